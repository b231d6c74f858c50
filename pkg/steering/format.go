package steering

import (
	"fmt"
	"strings"
)

// Turn is one assistant turn pulled off a worker's message history: its
// text plus any tool calls/results it made along the way.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation and its (possibly truncated) result.
type ToolCall struct {
	Name   string
	Result string
}

// squashWhitespace collapses runs of whitespace to single spaces and trims
// the result, matching the "compact, whitespace-squashed summary" the
// steering reviewer is fed (spec.md §4.6).
func squashWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatRecentTurns renders the last n turns (oldest first) the way
// eventTypeLabel-style formatters render a timeline: a labeled section per
// entry, tool calls/results squashed inline.
func formatRecentTurns(turns []Turn, n int) string {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	var sb strings.Builder
	for i, t := range turns {
		fmt.Fprintf(&sb, "### Turn %d\n", i+1)
		sb.WriteString(squashWhitespace(t.Text))
		sb.WriteString("\n")
		for _, tc := range t.ToolCalls {
			fmt.Fprintf(&sb, "- %s -> %s\n", tc.Name, squashWhitespace(tc.Result))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
