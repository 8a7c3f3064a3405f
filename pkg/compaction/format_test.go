package compaction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short untouched", "hello world", 20, "hello world"},
		{"whitespace collapsed", "a\n\n  b\t c", 20, "a b c"},
		{"cut with ellipsis", "abcdefghij", 5, "abcde..."},
		{"exact length untouched", "abcde", 5, "abcde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
		})
	}
}

func TestTruncate_CountsCodePoints(t *testing.T) {
	assert.Equal(t, "héllo...", Truncate("héllo wörld", 5))
}

func TestLeafSummaryBody(t *testing.T) {
	messages := []lcm.Message{
		{Ordinal: 3, Role: lcm.RoleUser, ContentText: "what about the cache"},
		{Ordinal: 4, Role: lcm.RoleAssistant, ContentText: "the cache is fine"},
	}

	body := LeafSummaryBody(messages, "")
	lines := strings.Split(body, "\n")
	assert.Equal(t, "Key points from older conversation turns:", lines[0])
	assert.Equal(t, "- [3] user: what about the cache", lines[1])
	assert.Equal(t, "- [4] assistant: the cache is fine", lines[2])

	withInstructions := LeafSummaryBody(messages, "keep decisions")
	assert.True(t, strings.HasPrefix(withInstructions, "Instructions: keep decisions\n"))
}

func TestCondensedSummaryBody(t *testing.T) {
	leaves := []lcm.ContextItem{
		{Title: "Compacted 5 messages", Body: "Key points from older conversation turns:\n- [0] user: a"},
	}

	body := CondensedSummaryBody(leaves, "")
	lines := strings.Split(body, "\n")
	assert.Equal(t, "Merged history of prior compaction summaries:", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "- Compacted 5 messages: "))
}

func TestSummaryTitles(t *testing.T) {
	assert.Equal(t, "Compacted 8 messages", LeafSummaryTitle(8))
	assert.Equal(t, "Condensed 2 leaf summaries", CondensedSummaryTitle(2))
}
