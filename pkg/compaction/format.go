package compaction

import (
	"fmt"
	"strings"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

const bulletTruncateLimit = 220

// Truncate collapses whitespace and keeps at most max code points,
// suffixing "..." when anything was cut.
func Truncate(text string, max int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max]) + "..."
}

// LeafSummaryTitle is the title for a leaf summary over n messages.
func LeafSummaryTitle(n int) string {
	return fmt.Sprintf("Compacted %d messages", n)
}

// LeafSummaryBody renders the deterministic leaf body: optional
// instructions line, a heading, and one bullet per replaced message.
func LeafSummaryBody(messages []lcm.Message, customInstructions string) string {
	var b strings.Builder
	if customInstructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", customInstructions)
	}
	b.WriteString("Key points from older conversation turns:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "- [%d] %s: %s\n", m.Ordinal, m.Role, Truncate(m.ContentText, bulletTruncateLimit))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// CondensedSummaryTitle is the title for a condensed summary over n
// leaf summaries.
func CondensedSummaryTitle(n int) string {
	return fmt.Sprintf("Condensed %d leaf summaries", n)
}

// CondensedSummaryBody renders the merged history body from the leaf
// summaries being condensed.
func CondensedSummaryBody(leaves []lcm.ContextItem, customInstructions string) string {
	var b strings.Builder
	if customInstructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", customInstructions)
	}
	b.WriteString("Merged history of prior compaction summaries:\n")
	for _, leaf := range leaves {
		fmt.Fprintf(&b, "- %s: %s\n", leaf.Title, Truncate(leaf.Body, bulletTruncateLimit))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
