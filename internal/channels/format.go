package channels

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	mdCodeBlockRe  = regexp.MustCompile("(?s)```[\\w]*\\n?([\\s\\S]*?)```")
	mdInlineCodeRe = regexp.MustCompile("`([^`]+)`")
	mdHeadingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	mdQuoteRe      = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBoldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdBoldAltRe    = regexp.MustCompile(`__(.+?)__`)
	mdItalicRe     = regexp.MustCompile(`(?:^|[^a-zA-Z0-9])_([^_]+)_(?:[^a-zA-Z0-9]|$)`)
	mdStrikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	mdBulletRe     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// MarkdownToTelegramHTML converts pipeline markdown to the HTML subset the
// Telegram Bot API accepts with parse_mode=HTML.
func MarkdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	// Code is pulled out first so nothing below rewrites it.
	var blocks, inline []string
	text = mdCodeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := mdCodeBlockRe.FindStringSubmatch(m)
		blocks = append(blocks, sub[1])
		return fmt.Sprintf("\x00CB%d\x00", len(blocks)-1)
	})
	text = mdInlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := mdInlineCodeRe.FindStringSubmatch(m)
		inline = append(inline, sub[1])
		return fmt.Sprintf("\x00IC%d\x00", len(inline)-1)
	})

	text = mdHeadingRe.ReplaceAllString(text, "$1")
	text = mdQuoteRe.ReplaceAllString(text, "$1")
	text = htmlEscaper.Replace(text)
	text = mdLinkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = mdBoldRe.ReplaceAllString(text, "<b>$1</b>")
	text = mdBoldAltRe.ReplaceAllString(text, "<b>$1</b>")
	text = mdItalicRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := mdItalicRe.FindStringSubmatch(m)
		prefix, suffix := "", ""
		if m[0] != '_' {
			prefix = m[:1]
		}
		if m[len(m)-1] != '_' {
			suffix = m[len(m)-1:]
		}
		return prefix + "<i>" + sub[1] + "</i>" + suffix
	})
	text = mdStrikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = mdBulletRe.ReplaceAllString(text, "• ")

	for i, code := range inline {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i), "<code>"+htmlEscaper.Replace(code)+"</code>")
	}
	for i, code := range blocks {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i), "<pre><code>"+htmlEscaper.Replace(code)+"</code></pre>")
	}
	return text
}
