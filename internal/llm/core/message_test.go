package core

import (
	"encoding/json"
	"testing"
)

func TestIsEmptyAssistant(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "empty assistant", msg: Message{Role: RoleAssistant}, want: true},
		{name: "whitespace assistant", msg: Message{Role: RoleAssistant, Content: " \n\t"}, want: false},
		{name: "newline assistant", msg: Message{Role: RoleAssistant, Content: "\n"}, want: false},
		{name: "assistant with content", msg: Message{Role: RoleAssistant, Content: "hi"}, want: false},
		{name: "assistant with tool call only", msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "grep"}}}, want: false},
		{name: "empty user", msg: Message{Role: RoleUser}, want: false},
		{name: "empty tool result", msg: ToolResultMessage(ToolCall{ID: "call_1", Name: "grep"}, "", false), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsEmptyAssistant(tc.msg); got != tc.want {
				t.Fatalf("IsEmptyAssistant() = %v, want %v", got, tc.want)
			}
			if got := Storable(tc.msg); got == tc.want {
				t.Fatalf("Storable() = %v, want %v", got, !tc.want)
			}
		})
	}
}

func TestRoleValid(t *testing.T) {
	t.Parallel()

	for _, role := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		if !role.Valid() {
			t.Fatalf("Role(%q).Valid() = false", role)
		}
	}
	if Role("narrator").Valid() {
		t.Fatalf("unknown role reported valid")
	}
}

func TestMessageCloneDetachesToolCalls(t *testing.T) {
	t.Parallel()

	original := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call_1", Name: "grep", Arguments: json.RawMessage(`{"q":"x"}`)}},
	}
	cloned := original.Clone()
	cloned.ToolCalls[0].Arguments[2] = 'z'
	cloned.ToolCalls[0].Name = "find"

	if string(original.ToolCalls[0].Arguments) != `{"q":"x"}` {
		t.Fatalf("clone shares argument bytes: %s", original.ToolCalls[0].Arguments)
	}
	if original.ToolCalls[0].Name != "grep" {
		t.Fatalf("clone shares tool call slice")
	}
}

func TestMessageJSONShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Message{Role: RoleAssistant, Content: "hi"})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	for _, key := range []string{"role", "content", "tool_calls"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("encoded message missing %q: %s", key, raw)
		}
	}
	if _, ok := decoded["tool_result"]; ok {
		t.Fatalf("tool_result should be omitted when nil: %s", raw)
	}
}

func TestUsageTokenCount(t *testing.T) {
	t.Parallel()

	usage := Usage{
		InputTokens:      10,
		OutputTokens:     7,
		CacheReadTokens:  5,
		CacheWriteTokens: 3,
	}
	if got := usage.TokenCount(); got != 25 {
		t.Fatalf("TokenCount() = %d, want 25", got)
	}
}

func TestUsageCloneReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	usage := Usage{InputTokens: 2, OutputTokens: 3, CostUSD: 0.01}
	cloned := usage.Clone()
	if cloned == nil || *cloned != usage {
		t.Fatalf("Clone() = %#v, want %#v", cloned, usage)
	}

	cloned.InputTokens = 99
	if usage.InputTokens != 2 {
		t.Fatalf("mutating clone should not mutate original")
	}
}
