package history

import (
	"strings"

	"nexus3/internal/llm/core"
)

// TokenCounter estimates how many tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as one per four bytes, rounded up.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// MessageText is the text a message contributes to the provider payload for
// token accounting.
func MessageText(msg core.Message) string {
	var b strings.Builder
	b.WriteString(string(msg.Role))
	b.WriteByte('\n')
	content := msg.Content
	if content == "" && msg.ToolResult != nil {
		content = msg.ToolResult.Content
	}
	b.WriteString(content)
	for _, call := range msg.ToolCalls {
		b.WriteByte('\n')
		b.WriteString(call.Name)
		b.WriteByte(' ')
		b.Write(call.Arguments)
	}
	return b.String()
}
