package channels

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reCodeBlock  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reQuote      = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBoldStars  = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnders = regexp.MustCompile(`__(.+?)__`)
	reItalic     = regexp.MustCompile(`_([^_]+)_`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reBullet     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

// markdownToTelegramHTML converts the subset of Markdown models usually emit
// into Telegram's HTML parse mode. Code is extracted first so nothing inside
// it is formatted.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	blocks := extractCodeBlocks(text)
	text = blocks.text
	inline := extractInlineCodes(text)
	text = inline.text

	text = reHeading.ReplaceAllString(text, "$1")
	text = reQuote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reBoldStars.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnders.ReplaceAllString(text, "<b>$1</b>")
	text = reItalic.ReplaceAllString(text, "<i>$1</i>")
	text = reStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reBullet.ReplaceAllString(text, "• ")

	for i, code := range inline.codes {
		text = strings.ReplaceAll(text, placeholder("IC", i), "<code>"+escapeHTML(code)+"</code>")
	}
	for i, code := range blocks.codes {
		text = strings.ReplaceAll(text, placeholder("CB", i), "<pre><code>"+escapeHTML(code)+"</code></pre>")
	}
	return text
}

func placeholder(kind string, i int) string {
	return fmt.Sprintf("\x00%s%d\x00", kind, i)
}

type codeMatch struct {
	text  string
	codes []string
}

func extractWith(re *regexp.Regexp, kind, text string) codeMatch {
	var codes []string
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		sub := re.FindStringSubmatch(m)
		codes = append(codes, sub[1])
		return placeholder(kind, len(codes)-1)
	})
	return codeMatch{text: text, codes: codes}
}

func extractCodeBlocks(text string) codeMatch {
	return extractWith(reCodeBlock, "CB", text)
}

func extractInlineCodes(text string) codeMatch {
	return extractWith(reInlineCode, "IC", text)
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
