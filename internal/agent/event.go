package agent

import (
	"fmt"
	"time"

	"nexus3/internal/llm/core"
)

// EventType identifies orchestrator events delivered to Config.OnEvent.
type EventType string

const (
	EventContentDelta EventType = "content_delta"
	EventToolStart    EventType = "tool_start"
	EventToolResult   EventType = "tool_result"
	// EventNotice carries a user-visible status line such as the empty
	// response placeholder or the reason a turn halted.
	EventNotice   EventType = "notice"
	EventComplete EventType = "complete"
)

// Event is one orchestrator event. Events are delivered inline from the
// goroutine running the turn, in order.
type Event struct {
	Type       EventType
	Iteration  int
	Text       string
	ToolCall   *core.ToolCall
	ToolResult *core.ToolResult
	Reason     core.HaltReason
}

const (
	NoticeEmptyResponse    = "(no response from the model, retrying)"
	NoticeRepeatedEmpty    = "stopping after repeated empty responses"
	NoticeCancelled        = "cancelled"
	noticeLimitReachedFmt  = "limit reached: stopped after %d iterations"
	noticeTimeoutFmt       = "provider call timed out after %s"
	noticeProviderErrorFmt = "provider error: %v"
)

func limitReachedNotice(iterations int) string {
	return fmt.Sprintf(noticeLimitReachedFmt, iterations)
}

func timeoutNotice(timeout time.Duration) string {
	if timeout <= 0 {
		return "provider call timed out"
	}
	return fmt.Sprintf(noticeTimeoutFmt, timeout)
}

func providerErrorNotice(err error) string {
	return fmt.Sprintf(noticeProviderErrorFmt, err)
}
