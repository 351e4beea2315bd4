package core

import (
	"encoding/json"
	"time"
)

// EventType identifies stream event variants.
type EventType string

const (
	EventContentDelta      EventType = "content_delta"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallArgsDelta EventType = "tool_call_args_delta"
	EventToolCallEnd       EventType = "tool_call_end"
	// EventFinishReason carries a provider stop code. It is not itself the
	// terminal marker; delta-chunk streams send it one chunk before [DONE].
	EventFinishReason EventType = "finish_reason"
	EventTerminalStop EventType = "terminal_stop"
	EventRawUsage     EventType = "raw_usage"
)

// StreamEvent is one normalized wire event.
//
// Index addresses the tool call for the tool_call_* variants. Text carries
// content for content deltas and argument fragments for args deltas.
type StreamEvent struct {
	Type   EventType
	Index  int
	ID     string
	Name   string
	Text   string
	Reason string
	Usage  *UsageFields
}

// UsageFields are the raw usage counters a frame reported. Nil pointers
// mean the field was absent from the wire payload.
type UsageFields struct {
	InputTokens         *int
	OutputTokens        *int
	CacheCreationTokens *int
	CacheReadTokens     *int
}

// Frame is one framed server-sent event before dialect decoding.
type Frame struct {
	Event string
	Data  []byte
}

// RawChunk is the per-frame telemetry payload.
type RawChunk struct {
	Dialect  string          `json:"dialect"`
	Sequence int             `json:"sequence"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Text     string          `json:"text,omitempty"`
	At       time.Time       `json:"at"`
}

// StreamSummary describes one completed stream. It is built once and never
// mutated afterwards.
type StreamSummary struct {
	Dialect             string
	EventCount          int
	ContentLength       int
	ToolCallCount       int
	ReceivedTerminal    bool
	FinishReason        *string
	Duration            time.Duration
	HTTPStatus          int
	CacheCreationTokens int
	CacheReadTokens     int
	Usage               Usage
	MalformedFrames     int
	Aborted             bool
}

// Empty reports the empty-response condition.
func (s StreamSummary) Empty() bool {
	return s.ContentLength == 0 && s.ToolCallCount == 0
}

// FinishReasonOr returns the finish reason or fallback when none was sent.
func (s StreamSummary) FinishReasonOr(fallback string) string {
	if s.FinishReason == nil {
		return fallback
	}
	return *s.FinishReason
}

// Observer receives stream telemetry inline, in wire order.
type Observer interface {
	OnChunk(chunk RawChunk)
	OnStreamComplete(summary StreamSummary)
}

// Decoder converts framed wire events of one dialect into StreamEvents.
// A Decoder is created per stream and may keep per-stream state.
type Decoder interface {
	Decode(frame Frame) (Decoded, error)
}

// Decoded is the normalized form of one frame.
//
// Sentinel marks an out-of-band end-of-stream line (such as [DONE]) that is
// not counted as a wire event.
type Decoded struct {
	Events   []StreamEvent
	Sentinel bool
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
