package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 8, "hello..."},
		{"tiny limit", "hello", 2, "he"},
		{"zero", "hello", 0, ""},
		{"multibyte", "héllo wörld", 6, "hél..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.maxLen))
		})
	}
}

func TestSplitRunes_Short(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitRunes("short", 100))
}

func TestSplitRunes_PrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	parts := SplitRunes(text, 50)
	assert.Len(t, parts, 2)
	assert.NotContains(t, parts[0], "b")
}

func TestSplitRunes_RespectsLimitAndPreservesContent(t *testing.T) {
	text := strings.Repeat("word ", 20)
	parts := SplitRunes(text, 60)
	assert.GreaterOrEqual(t, len(parts), 2)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 60)
	}
	assert.Equal(t, text, strings.Join(parts, ""))

	dense := strings.Repeat("abcdefghij", 50)
	assert.Equal(t, dense, strings.Join(SplitRunes(dense, 100), ""))
}
