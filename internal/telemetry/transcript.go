package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"nexus3/internal/llm/core"
)

// TranscriptSink writes one human-readable line per stream.
type TranscriptSink struct {
	now func() time.Time

	mu sync.Mutex
	w  io.Writer
}

// NewTranscriptSink writes transcript lines to w.
func NewTranscriptSink(w io.Writer) *TranscriptSink {
	return &TranscriptSink{now: time.Now, w: w}
}

// OnChunk is a no-op; the transcript stays at stream granularity.
func (s *TranscriptSink) OnChunk(core.RawChunk) error { return nil }

func (s *TranscriptSink) OnStreamComplete(summary core.StreamSummary) error {
	status := "ok"
	switch {
	case summary.Aborted:
		status = "aborted"
	case summary.Empty():
		status = "EMPTY"
	case !summary.ReceivedTerminal:
		status = "no-terminal"
	}
	line := fmt.Sprintf("%s [%s] %s http=%d events=%d chars=%d tools=%d finish=%s cache=%d/%d in=%d out=%d %s\n",
		s.now().Format("15:04:05"),
		summary.Dialect,
		status,
		summary.HTTPStatus,
		summary.EventCount,
		summary.ContentLength,
		summary.ToolCallCount,
		summary.FinishReasonOr("-"),
		summary.CacheReadTokens,
		summary.CacheCreationTokens,
		summary.Usage.InputTokens,
		summary.Usage.OutputTokens,
		summary.Duration.Round(time.Millisecond),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
