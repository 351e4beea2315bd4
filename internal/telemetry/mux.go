// Package telemetry fans stream telemetry out to independent sinks.
package telemetry

import (
	"fmt"
	"log/slog"
	"sync"

	"nexus3/internal/llm/core"
)

// Subscriber receives raw chunks and per-stream summaries. Returned errors
// are logged by the Mux and never reach the stream.
type Subscriber interface {
	OnChunk(chunk core.RawChunk) error
	OnStreamComplete(summary core.StreamSummary) error
}

// Mux delivers every notification to its subscribers synchronously, in
// registration order. It implements core.Observer.
type Mux struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []namedSubscriber
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

var _ core.Observer = (*Mux)(nil)

// NewMux returns an empty multiplexer. A nil logger discards failures.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Mux{logger: logger}
}

// Add registers sub under name. Name only labels log lines.
func (m *Mux) Add(name string, sub Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, namedSubscriber{name: name, sub: sub})
}

// Len reports the number of registered subscribers.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// OnChunk forwards one raw wire event.
func (m *Mux) OnChunk(chunk core.RawChunk) {
	for _, s := range m.snapshot() {
		m.deliver(s, "chunk", func() error { return s.sub.OnChunk(chunk) })
	}
}

// OnStreamComplete forwards one stream summary.
func (m *Mux) OnStreamComplete(summary core.StreamSummary) {
	for _, s := range m.snapshot() {
		m.deliver(s, "stream_complete", func() error { return s.sub.OnStreamComplete(summary) })
	}
}

func (m *Mux) snapshot() []namedSubscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]namedSubscriber(nil), m.subscribers...)
}

// deliver runs one callback, turning a panic into a logged failure.
func (m *Mux) deliver(s namedSubscriber, kind string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		m.logger.Warn("telemetry subscriber failed", "subscriber", s.name, "kind", kind, "error", err)
	}
}
