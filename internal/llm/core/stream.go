package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
)

// StreamConfig configures the shared stream engine for one response.
type StreamConfig struct {
	Dialect  string
	Decoder  Decoder
	Observer Observer
	Logger   *slog.Logger
	// Pricing, when set, fills Usage.CostUSD in the summary.
	Pricing *ModelPricing
}

// Stream is a lazy, non-restartable sequence of normalized events read from
// one provider response. It is not safe for concurrent use.
//
// The observer receives the summary after the last event has been handed
// out by Next, or on Close when the consumer stops early.
type Stream struct {
	ctx      context.Context
	frames   ssestream.Decoder
	decoder  Decoder
	observer Observer
	logger   *slog.Logger
	pricing  *ModelPricing
	dialect  string
	status   int
	started  time.Time

	pending   []StreamEvent
	done      bool
	delivered bool
	closed    bool
	err       error

	sequence  int
	events    int
	malformed int
	content   strings.Builder
	tools     map[int]*toolCallAccumulator
	finish    *string
	terminal  bool
	usage     Usage
	aborted   bool

	message Message
	summary StreamSummary
}

// toolCallAccumulator reconstructs one tool call from streamed fragments.
type toolCallAccumulator struct {
	id    string
	name  string
	args  strings.Builder
	ended bool
}

// NewStream wraps resp in the shared engine. The response status must already
// have been checked by the adapter; ctx is the provider call context.
func NewStream(ctx context.Context, resp *http.Response, cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger
	}
	s := &Stream{
		ctx:      ctx,
		frames:   ssestream.NewDecoder(terminateBody(resp)),
		decoder:  cfg.Decoder,
		observer: cfg.Observer,
		logger:   logger.With("dialect", cfg.Dialect),
		pricing:  cfg.Pricing,
		dialect:  cfg.Dialect,
		started:  time.Now(),
		tools:    map[int]*toolCallAccumulator{},
	}
	if resp != nil {
		s.status = resp.StatusCode
	}
	return s
}

// Next returns the next normalized event. It returns io.EOF once the stream
// ended, or the context error when the call was cancelled mid-stream.
func (s *Stream) Next() (StreamEvent, error) {
	if s.closed {
		return StreamEvent{}, ErrStreamClosed
	}
	for {
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			return event, nil
		}
		if s.done {
			s.deliverSummary()
			if s.err != nil {
				return StreamEvent{}, s.err
			}
			return StreamEvent{}, io.EOF
		}
		s.advance()
	}
}

// Result returns the finalized message and summary. Both are zero until Next
// has reported the end of the stream or Close has been called.
func (s *Stream) Result() (Message, StreamSummary) {
	return s.message.Clone(), s.summary
}

// Done reports whether the stream has been finalized.
func (s *Stream) Done() bool {
	return s.done
}

// Close releases the response body. Closing before the end finalizes the
// stream as aborted; the summary is still delivered exactly once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	if !s.done {
		s.aborted = true
		s.complete(nil)
	}
	s.deliverSummary()
	return nil
}

// deliverSummary hands the final summary to the observer exactly once.
func (s *Stream) deliverSummary() {
	if !s.done || s.delivered {
		return
	}
	s.delivered = true
	if s.observer != nil {
		s.observer.OnStreamComplete(s.summary)
	}
}

// advance reads one framed event and queues whatever it decodes to.
func (s *Stream) advance() {
	if s.frames == nil {
		s.complete(nil)
		return
	}
	if !s.frames.Next() {
		s.complete(s.frames.Err())
		return
	}

	frame := s.frames.Event()
	data := bytes.TrimRight(frame.Data, "\n")
	if frame.Type == "" && len(data) == 0 {
		return
	}
	s.sequence++
	s.notifyChunk(frame.Type, data)

	decoded, err := s.decoder.Decode(Frame{Event: frame.Type, Data: data})
	if err != nil {
		s.malformed++
		s.logger.Debug("skipping malformed stream frame", "event", frame.Type, "error", err)
		return
	}
	if !decoded.Sentinel {
		s.events++
	}
	for _, event := range decoded.Events {
		s.apply(event)
	}
	if decoded.Sentinel || s.terminal {
		s.terminal = true
		s.complete(nil)
	}
}

// apply folds one decoded event into the stream state and queues it.
func (s *Stream) apply(event StreamEvent) {
	switch event.Type {
	case EventContentDelta:
		if event.Text == "" {
			return
		}
		s.content.WriteString(event.Text)

	case EventToolCallStart:
		acc := s.accumulator(event.Index)
		if acc.id == "" {
			acc.id = event.ID
		}
		if acc.name == "" {
			acc.name = event.Name
		}

	case EventToolCallArgsDelta:
		acc := s.accumulator(event.Index)
		acc.args.WriteString(event.Text)

	case EventToolCallEnd:
		acc, ok := s.tools[event.Index]
		if !ok || acc.ended {
			return
		}
		acc.ended = true
		event.ID = s.finalizeID(acc)
		event.Name = acc.name

	case EventFinishReason:
		if event.Reason == "" {
			return
		}
		reason := event.Reason
		s.finish = &reason

	case EventTerminalStop:
		s.terminal = true
		if event.Reason != "" {
			reason := event.Reason
			s.finish = &reason
		} else if s.finish != nil {
			event.Reason = *s.finish
		}

	case EventRawUsage:
		if event.Usage == nil {
			return
		}
		mergeUsage(&s.usage, event.Usage)
	}
	s.pending = append(s.pending, event)
}

// accumulator returns the tool-call accumulator for index, creating it on
// first sight so argument fragments that precede a start are not lost.
func (s *Stream) accumulator(index int) *toolCallAccumulator {
	acc, ok := s.tools[index]
	if !ok {
		acc = &toolCallAccumulator{}
		s.tools[index] = acc
	}
	return acc
}

func (s *Stream) finalizeID(acc *toolCallAccumulator) string {
	if strings.TrimSpace(acc.id) == "" {
		acc.id = "call_" + uuid.NewString()
		s.logger.Warn("tool call finalized without id", "tool", acc.name, "id", acc.id)
	}
	return acc.id
}

// complete finalizes the stream exactly once.
func (s *Stream) complete(readErr error) {
	if s.done {
		return
	}
	s.done = true
	if s.frames != nil {
		_ = s.frames.Close()
	}

	if readErr != nil || s.aborted {
		if ctxErr := s.contextErr(); ctxErr != nil {
			s.aborted = true
			s.err = ctxErr
		} else if readErr != nil {
			s.logger.Warn("stream read failed", "error", readErr)
		}
	}

	indices := make([]int, 0, len(s.tools))
	for index := range s.tools {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	calls := make([]ToolCall, 0, len(indices))
	var flushed []StreamEvent
	for _, index := range indices {
		acc := s.tools[index]
		if !acc.ended {
			acc.ended = true
			s.finalizeID(acc)
			flushed = append(flushed, StreamEvent{Type: EventToolCallEnd, Index: index, ID: acc.id, Name: acc.name})
		}
		calls = append(calls, s.buildToolCall(acc))
	}
	if !s.aborted && len(flushed) > 0 {
		s.pending = insertBeforeTerminal(s.pending, flushed)
	}

	s.message = Message{
		Role:      RoleAssistant,
		Content:   s.content.String(),
		ToolCalls: calls,
	}
	if len(calls) == 0 {
		s.message.ToolCalls = nil
	}

	usage := s.usage
	usage.TotalTokens = usage.TokenCount()
	if s.pricing != nil {
		usage.CostUSD = CalculateCost(usage, *s.pricing)
	}

	s.summary = StreamSummary{
		Dialect:             s.dialect,
		EventCount:          s.events,
		ContentLength:       utf8.RuneCountInString(s.message.Content),
		ToolCallCount:       len(indices),
		ReceivedTerminal:    s.terminal,
		FinishReason:        s.finish,
		Duration:            time.Since(s.started),
		HTTPStatus:          s.status,
		CacheCreationTokens: usage.CacheWriteTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		Usage:               usage,
		MalformedFrames:     s.malformed,
		Aborted:             s.aborted,
	}

	if !s.aborted {
		if !s.terminal {
			s.logger.Warn("stream ended without terminal marker",
				"finish_reason", s.summary.FinishReasonOr(""),
				"event_count", s.summary.EventCount,
			)
		}
		if s.summary.Empty() {
			s.logger.Warn("empty response from provider",
				"event_count", s.summary.EventCount,
				"received_terminal", s.summary.ReceivedTerminal,
				"http_status", s.summary.HTTPStatus,
			)
		}
	}
}

// buildToolCall turns accumulated fragments into a finalized tool call.
func (s *Stream) buildToolCall(acc *toolCallAccumulator) ToolCall {
	call := ToolCall{ID: acc.id, Name: acc.name}
	raw := bytes.TrimSpace([]byte(acc.args.String()))
	switch {
	case len(raw) == 0:
		call.Arguments = json.RawMessage("{}")
	case json.Valid(raw):
		call.Arguments = append(json.RawMessage(nil), raw...)
	default:
		call.Arguments = json.RawMessage("{}")
		call.Truncated = true
		s.logger.Warn("tool call arguments are not valid json", "tool", acc.name, "id", acc.id, "bytes", len(raw))
	}
	return call
}

func (s *Stream) contextErr() error {
	if s.ctx == nil {
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Stream) notifyChunk(event string, data []byte) {
	if s.observer == nil {
		return
	}
	chunk := RawChunk{
		Dialect:  s.dialect,
		Sequence: s.sequence,
		Event:    event,
		At:       time.Now(),
	}
	if json.Valid(data) {
		chunk.Data = append(json.RawMessage(nil), data...)
	} else {
		chunk.Text = string(data)
	}
	s.observer.OnChunk(chunk)
}

// insertBeforeTerminal keeps a queued terminal_stop as the last event.
func insertBeforeTerminal(pending, events []StreamEvent) []StreamEvent {
	last := len(pending) - 1
	if last < 0 || pending[last].Type != EventTerminalStop {
		return append(pending, events...)
	}
	terminal := pending[last]
	out := append(pending[:last:last], events...)
	return append(out, terminal)
}

// mergeUsage overwrites counters that the frame reported.
func mergeUsage(dst *Usage, fields *UsageFields) {
	if fields.InputTokens != nil {
		dst.InputTokens = *fields.InputTokens
	}
	if fields.OutputTokens != nil {
		dst.OutputTokens = *fields.OutputTokens
	}
	if fields.CacheCreationTokens != nil {
		dst.CacheWriteTokens = *fields.CacheCreationTokens
	}
	if fields.CacheReadTokens != nil {
		dst.CacheReadTokens = *fields.CacheReadTokens
	}
}

// Drain reads s to the end and returns its result. The stream is closed on
// return.
func Drain(s *Stream) (Message, StreamSummary, error) {
	defer func() {
		_ = s.Close()
	}()
	for {
		_, err := s.Next()
		if errors.Is(err, io.EOF) {
			message, summary := s.Result()
			return message, summary, nil
		}
		if err != nil {
			message, summary := s.Result()
			return message, summary, err
		}
	}
}

// terminateBody returns a shallow copy of resp whose body ends with a blank
// line, so a final frame sent without one is still dispatched.
func terminateBody(resp *http.Response) *http.Response {
	if resp == nil || resp.Body == nil {
		return resp
	}
	out := *resp
	out.Body = &terminatedBody{ReadCloser: resp.Body, tail: []byte("\n\n")}
	return &out
}

type terminatedBody struct {
	io.ReadCloser
	tail []byte
	eof  bool
}

func (b *terminatedBody) Read(p []byte) (int, error) {
	if b.eof {
		if len(b.tail) == 0 {
			return 0, io.EOF
		}
		n := copy(p, b.tail)
		b.tail = b.tail[n:]
		return n, nil
	}
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		b.eof = true
		err = nil
	}
	return n, err
}

var discardLogger = slog.New(slog.DiscardHandler)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return discardLogger
}
