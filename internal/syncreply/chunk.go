package syncreply

import (
	"strings"
	"unicode/utf8"
)

// SplitText splits text into chunks of at most maxBytes bytes. It prefers to
// break on a newline, then on a space, and never splits a UTF-8 sequence.
func SplitText(text string, maxBytes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxBytes <= 0 || len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > maxBytes/2 {
			cut = i
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > maxBytes/2 {
			cut = i
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(text)
			cut = size
		}
		if part := strings.TrimSpace(text[:cut]); part != "" {
			chunks = append(chunks, part)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
