package mockprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"nexus3/internal/llm/core"
	openaiprovider "nexus3/internal/llm/providers/openai"
)

// Response is one scripted provider reply.
//
// Body is raw event-stream text. A non-2xx Status is returned as a
// *core.ProviderHTTPError before any stream is built. Hold keeps the body
// open after it has been written until the call context is done, which is
// how tests park a call for cancellation and timeouts.
type Response struct {
	Status int
	Body   string
	Hold   bool
	Err    error
}

// Provider replays scripted responses through the shared stream engine, so
// callers see exactly what a real adapter would produce for the same bytes.
type Provider struct {
	// Dialect names the summaries; NewDecoder builds one decoder per call.
	// Both default to the delta-chunk dialect.
	Dialect    string
	NewDecoder func() core.Decoder
	Observer   core.Observer

	mu        sync.Mutex
	responses []Response
	requests  []*core.Request
}

// New returns a delta-chunk provider that replays responses in order.
func New(responses ...Response) *Provider {
	return &Provider{responses: responses}
}

// Push queues more responses.
func (m *Provider) Push(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Requests returns copies of every request received so far.
func (m *Provider) Requests() []*core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Request, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req.Clone())
	}
	return out
}

// Calls reports how many times Stream was invoked.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Stream pops the next scripted response.
func (m *Provider) Stream(ctx context.Context, req *core.Request) (*core.Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req.Clone())
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no scripted response for call %d", len(m.requests))
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next.Err != nil {
		return nil, next.Err
	}
	status := next.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status/100 != 2 {
		return nil, &core.ProviderHTTPError{StatusCode: status, Type: "mock_error", Message: strings.TrimSpace(next.Body)}
	}

	dialect := m.Dialect
	if dialect == "" {
		dialect = openaiprovider.Dialect
	}
	newDecoder := m.NewDecoder
	if newDecoder == nil {
		newDecoder = openaiprovider.NewDecoder
	}

	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       body(ctx, next),
	}
	return core.NewStream(ctx, resp, core.StreamConfig{
		Dialect:  dialect,
		Decoder:  newDecoder(),
		Observer: m.Observer,
	}), nil
}

// body serves the scripted bytes. A held body is a pipe that stays open
// until ctx ends and then fails the pending read with the context error.
func body(ctx context.Context, r Response) io.ReadCloser {
	if !r.Hold {
		return io.NopCloser(strings.NewReader(r.Body))
	}
	reader, writer := io.Pipe()
	go func() {
		if r.Body != "" {
			if _, err := io.WriteString(writer, r.Body); err != nil {
				return
			}
		}
		<-ctx.Done()
		_ = writer.CloseWithError(ctx.Err())
	}()
	return reader
}

// Chunks frames each payload as one data event.
func Chunks(payloads ...string) string {
	var b strings.Builder
	for _, payload := range payloads {
		b.WriteString("data: ")
		b.WriteString(payload)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Text is a complete delta-chunk reply carrying text.
func Text(text string) Response {
	content, _ := json.Marshal(text)
	return Response{Body: Chunks(
		fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":%s}}]}`, content),
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)}
}

// Empty is a reply with no content and no tool calls. The connection closes
// without the [DONE] sentinel.
func Empty() Response {
	return Response{Body: Chunks(`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`)}
}

// ToolCall describes one call inside a scripted ToolCalls reply.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCalls is a delta-chunk reply requesting the given tool calls.
func ToolCalls(calls ...ToolCall) Response {
	payloads := make([]string, 0, len(calls)+2)
	for i, call := range calls {
		id, _ := json.Marshal(call.ID)
		name, _ := json.Marshal(call.Name)
		args, _ := json.Marshal(call.Arguments)
		payloads = append(payloads, fmt.Sprintf(
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":%d,"id":%s,"type":"function","function":{"name":%s,"arguments":%s}}]}}]}`,
			i, id, name, args,
		))
	}
	payloads = append(payloads,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	return Response{Body: Chunks(payloads...)}
}

// Hang is a reply that never completes until the call context is done.
func Hang() Response {
	return Response{Hold: true}
}
