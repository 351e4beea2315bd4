package core

import (
	"encoding/json"
)

// Role identifies the message author in the canonical conversation format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall represents a model-emitted tool invocation.
//
// Truncated is set when the streamed argument fragments never formed valid
// JSON; Arguments is then the empty object and the call must not be run.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// ToolResult represents the local execution result for a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is the provider-agnostic conversation record.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// UserMessage builds a plain user text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolResultMessage builds the tool-role message answering call.
func ToolResultMessage(call ToolCall, content string, isError bool) Message {
	return Message{
		Role:    RoleTool,
		Content: content,
		ToolResult: &ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    content,
			IsError:    isError,
		},
	}
}

// IsEmptyAssistant reports whether m is an assistant message with neither
// content nor tool calls. Such a message is never stored in history.
// Whitespace is content: a reply of "\n" is not empty.
func IsEmptyAssistant(m Message) bool {
	return m.Role == RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0
}

// Storable is the predicate shared by live appends and session restore.
func Storable(m Message) bool {
	return !IsEmptyAssistant(m)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	cloned := Message{
		Role:    m.Role,
		Content: m.Content,
	}
	if len(m.ToolCalls) > 0 {
		cloned.ToolCalls = make([]ToolCall, 0, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			cloned.ToolCalls = append(cloned.ToolCalls, call.Clone())
		}
	}
	if m.ToolResult != nil {
		result := *m.ToolResult
		cloned.ToolResult = &result
	}
	return cloned
}

// Clone returns a copy of c with detached arguments.
func (c ToolCall) Clone() ToolCall {
	cloned := c
	cloned.Arguments = append(json.RawMessage(nil), c.Arguments...)
	return cloned
}

// CloneMessages deep-copies a message slice.
func CloneMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Clone())
	}
	return out
}

// Usage tracks provider token accounting and computed cost.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// TokenCount returns the total tokens consumed across all usage buckets.
func (u Usage) TokenCount() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Clone returns a copy safe to share as pointer payload.
func (u Usage) Clone() *Usage {
	copied := u
	return &copied
}
