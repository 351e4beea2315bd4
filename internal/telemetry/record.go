package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"nexus3/internal/llm/core"
)

// Record types written to the raw log.
const (
	RecordTypeStreamComplete = "stream_complete"
	RecordTypeChunk          = "chunk"
)

// Record is one stream_complete line of the raw log.
type Record struct {
	Type                string  `json:"type"`
	Time                string  `json:"time,omitempty"`
	Dialect             string  `json:"dialect,omitempty"`
	HTTPStatus          int     `json:"http_status"`
	EventCount          int     `json:"event_count"`
	ContentLength       int     `json:"content_length"`
	ToolCallCount       int     `json:"tool_call_count"`
	ReceivedTerminal    bool    `json:"received_terminal"`
	FinishReason        *string `json:"finish_reason"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	DurationMS          int64   `json:"duration_ms"`
	MalformedFrames     int     `json:"malformed_frames,omitempty"`
	Aborted             bool    `json:"aborted,omitempty"`
}

// NewRecord converts a summary into its log record.
func NewRecord(summary core.StreamSummary) Record {
	return Record{
		Type:                RecordTypeStreamComplete,
		Dialect:             summary.Dialect,
		HTTPStatus:          summary.HTTPStatus,
		EventCount:          summary.EventCount,
		ContentLength:       summary.ContentLength,
		ToolCallCount:       summary.ToolCallCount,
		ReceivedTerminal:    summary.ReceivedTerminal,
		FinishReason:        summary.FinishReason,
		CacheCreationTokens: summary.CacheCreationTokens,
		CacheReadTokens:     summary.CacheReadTokens,
		DurationMS:          summary.Duration.Milliseconds(),
		MalformedFrames:     summary.MalformedFrames,
		Aborted:             summary.Aborted,
	}
}

type chunkRecord struct {
	Type     string          `json:"type"`
	Time     string          `json:"time"`
	Dialect  string          `json:"dialect"`
	Sequence int             `json:"seq"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// RecordSink writes one JSON object per line.
type RecordSink struct {
	// Chunks also records every raw wire event.
	Chunks bool
	now    func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
}

// NewRecordSink writes records to w. The caller owns w.
func NewRecordSink(w io.Writer, chunks bool) *RecordSink {
	return &RecordSink{Chunks: chunks, now: time.Now, enc: json.NewEncoder(w)}
}

func (s *RecordSink) OnChunk(chunk core.RawChunk) error {
	if !s.Chunks {
		return nil
	}
	return s.write(chunkRecord{
		Type:     RecordTypeChunk,
		Time:     chunk.At.UTC().Format(time.RFC3339Nano),
		Dialect:  chunk.Dialect,
		Sequence: chunk.Sequence,
		Event:    chunk.Event,
		Data:     chunk.Data,
		Text:     chunk.Text,
	})
}

func (s *RecordSink) OnStreamComplete(summary core.StreamSummary) error {
	record := NewRecord(summary)
	record.Time = s.now().UTC().Format(time.RFC3339Nano)
	return s.write(record)
}

func (s *RecordSink) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("write telemetry record: %w", err)
	}
	return nil
}
