package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "just text", "just text"},
		{"bold", "**bold** and __also__", "<b>bold</b> and <b>also</b>"},
		{"italic", "an _aside_ here", "an <i>aside</i> here"},
		{"strike", "~~old~~ new", "<s>old</s> new"},
		{"link", "[Go](https://go.dev)", `<a href="https://go.dev">Go</a>`},
		{"heading", "# Title\nbody", "Title\nbody"},
		{"quote", "> quoted", "quoted"},
		{"bullets", "- one\n* two", "• one\n• two"},
		{"escaping", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"inline code", "run `a*b*c` now", "run <code>a*b*c</code> now"},
		{"inline code escaped", "`<div>`", "<code>&lt;div&gt;</code>"},
		{"multiple inline codes", "`a` and `b`", "<code>a</code> and <code>b</code>"},
		{"inline code not formatted", "`**x**` **y**", "<code>**x**</code> <b>y</b>"},
		{
			"code block",
			"```go\nfmt.Println(\"<hi>\")\n```",
			"<pre><code>fmt.Println(\"&lt;hi&gt;\")\n</code></pre>",
		},
		{
			"code block not formatted",
			"```\n**raw** _x_\n```\n**bold**",
			"<pre><code>**raw** _x_\n</code></pre>\n<b>bold</b>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToTelegramHTML(tt.in))
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "&amp;lt;", escapeHTML("&lt;"))
	assert.Equal(t, "&lt;b&gt;", escapeHTML("<b>"))
	assert.Equal(t, "plain", escapeHTML("plain"))
}

func TestExtractCodeBlocks(t *testing.T) {
	m := extractCodeBlocks("a\n```py\nx = 1\n```\nb\n```\ny\n```")
	require.Len(t, m.codes, 2)
	assert.Equal(t, "x = 1\n", m.codes[0])
	assert.Equal(t, "y\n", m.codes[1])
	assert.Contains(t, m.text, placeholder("CB", 0))
	assert.Contains(t, m.text, placeholder("CB", 1))
	assert.NotContains(t, m.text, "```")

	none := extractCodeBlocks("no code here")
	assert.Empty(t, none.codes)
	assert.Equal(t, "no code here", none.text)
}

func TestExtractInlineCodes(t *testing.T) {
	m := extractInlineCodes("`one` then `two`")
	assert.Equal(t, []string{"one", "two"}, m.codes)
	assert.Equal(t, placeholder("IC", 0)+" then "+placeholder("IC", 1), m.text)
}
