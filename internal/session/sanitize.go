package session

import (
	"log/slog"

	"nexus3/internal/llm/core"
)

// Sanitize drops every message that could not have been appended live. It
// returns the kept messages and how many were dropped.
func Sanitize(messages []core.Message, logger *slog.Logger) ([]core.Message, int) {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	kept := make([]core.Message, 0, len(messages))
	for i, msg := range messages {
		if !core.Storable(msg) {
			logger.Warn("dropping empty assistant message from restored session", "index", i)
			continue
		}
		kept = append(kept, msg)
	}
	return kept, len(messages) - len(kept)
}

// validate checks message structure. Empty assistant messages are left to
// Sanitize.
func validate(id string, messages []core.Message) error {
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return &ValidationError{SessionID: id, Index: i, Reason: "unknown role " + string(msg.Role)}
		}
		if msg.Role == core.RoleTool && (msg.ToolResult == nil || msg.ToolResult.ToolCallID == "") {
			return &ValidationError{SessionID: id, Index: i, Reason: "tool message without tool_result"}
		}
		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				return &ValidationError{SessionID: id, Index: i, Reason: "tool call without id"}
			}
		}
	}
	return nil
}

// restore validates then sanitizes loaded messages.
func restore(state State, logger *slog.Logger) (State, error) {
	if err := validate(state.ID, state.Messages); err != nil {
		return State{}, err
	}
	messages, dropped := Sanitize(state.Messages, logger)
	if dropped > 0 {
		logger.Warn("restored session had invalid messages", "session", state.ID, "dropped", dropped, "kept", len(messages))
	}
	state.Messages = messages
	state.Dropped = dropped
	return state, nil
}
