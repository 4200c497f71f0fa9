package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
		not  []string
	}{
		{"empty", "", nil, nil},
		{"bold", "**bold**", []string{"<b>bold</b>"}, nil},
		{"bold underscores", "__bold__", []string{"<b>bold</b>"}, nil},
		{"italic", "an _italic_ word", []string{"<i>italic</i>"}, nil},
		{"inline code", "`code here`", []string{"<code>code here</code>"}, nil},
		{"code block", "```go\nfmt.Println(\"hi\")\n```", []string{"<pre><code>", "fmt.Println"}, nil},
		{"code is escaped", "`a<b`", []string{"<code>a&lt;b</code>"}, nil},
		{"link", "[Google](https://google.com)", []string{`<a href="https://google.com">Google</a>`}, nil},
		{"heading", "## Title\nContent", []string{"Title"}, []string{"##"}},
		{"quote", "> quoted", []string{"quoted"}, []string{"&gt;"}},
		{"bullets", "- item 1\n- item 2", []string{"• item 1", "• item 2"}, nil},
		{"escape", "a < b & c > d", []string{"&lt;", "&amp;", "&gt;"}, nil},
		{"strike", "~~deleted~~", []string{"<s>deleted</s>"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MarkdownToTelegramHTML(tt.in)
			if tt.in == "" {
				assert.Equal(t, "", got)
			}
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			for _, n := range tt.not {
				assert.NotContains(t, got, n)
			}
		})
	}
}
