package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

type recordingObserver struct {
	chunks    []core.RawChunk
	summaries []core.StreamSummary
}

func (r *recordingObserver) OnChunk(chunk core.RawChunk) {
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingObserver) OnStreamComplete(summary core.StreamSummary) {
	r.summaries = append(r.summaries, summary)
}

type capturedRequest struct {
	path   string
	auth   string
	body   string
	accept string
}

// chunkServer replays data lines as a delta-chunk stream.
func chunkServer(t *testing.T, lines []string, captured chan<- capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			captured <- capturedRequest{
				path:   r.URL.Path,
				auth:   r.Header.Get("Authorization"),
				body:   string(raw),
				accept: r.Header.Get("Accept"),
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not implement flusher")
			return
		}
		for _, line := range lines {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func chatRequest() *core.Request {
	return &core.Request{
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []core.Message{core.UserMessage("hello")},
	}
}

func TestStreamContentThenFinishThenDone(t *testing.T) {
	t.Parallel()

	captured := make(chan capturedRequest, 1)
	server := chunkServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}, captured)
	defer server.Close()

	observer := &recordingObserver{}
	p := New(Config{APIKey: "sk-test", BaseURL: server.URL + "/v1", Observer: observer})
	stream, err := p.Stream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	msg, summary, err := core.Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if msg.Content != "Hi" || len(msg.ToolCalls) != 0 {
		t.Fatalf("message = %#v, want content Hi and no tool calls", msg)
	}
	if summary.EventCount != 2 || summary.ContentLength != 2 {
		t.Fatalf("EventCount = %d ContentLength = %d, want 2 and 2", summary.EventCount, summary.ContentLength)
	}
	if !summary.ReceivedTerminal || summary.FinishReasonOr("") != "stop" {
		t.Fatalf("terminal = %v finish = %v, want true stop", summary.ReceivedTerminal, summary.FinishReason)
	}
	if len(observer.summaries) != 1 {
		t.Fatalf("summaries delivered = %d, want 1", len(observer.summaries))
	}
	if len(observer.chunks) != 3 || observer.chunks[2].Text != "[DONE]" {
		t.Fatalf("chunks = %#v, want three with [DONE] as text", observer.chunks)
	}

	req := <-captured
	if req.path != "/v1/chat/completions" {
		t.Fatalf("path = %q", req.path)
	}
	if req.auth != "Bearer sk-test" || req.accept != "text/event-stream" {
		t.Fatalf("headers auth=%q accept=%q", req.auth, req.accept)
	}
	if !gjson.Get(req.body, "stream").Bool() || !gjson.Get(req.body, "stream_options.include_usage").Bool() {
		t.Fatalf("body missing stream flags: %s", req.body)
	}
	if gjson.Get(req.body, "messages.0.role").String() != "system" || gjson.Get(req.body, "messages.0.content").String() != "be brief" {
		t.Fatalf("system prompt not first: %s", req.body)
	}
	if gjson.Get(req.body, "messages.1.content").String() != "hello" {
		t.Fatalf("user message missing: %s", req.body)
	}
}

func TestStreamClosedWithoutDoneAndNoContent(t *testing.T) {
	t.Parallel()

	server := chunkServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
	}, nil)
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	stream, err := p.Stream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	msg, summary, err := core.Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !core.IsEmptyAssistant(msg) {
		t.Fatalf("message = %#v, want empty", msg)
	}
	if summary.ReceivedTerminal || summary.FinishReason != nil {
		t.Fatalf("summary terminal=%v finish=%v, want false and nil", summary.ReceivedTerminal, summary.FinishReason)
	}
	if !summary.Empty() {
		t.Fatalf("summary.Empty() = false")
	}
}

func TestStreamFinishReasonWithoutDone(t *testing.T) {
	t.Parallel()

	server := chunkServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"long answer"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
	}, nil)
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	stream, err := p.Stream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	_, summary, err := core.Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if summary.ReceivedTerminal {
		t.Fatalf("ReceivedTerminal = true, want false")
	}
	if summary.FinishReasonOr("") != "length" {
		t.Fatalf("FinishReason = %v, want length", summary.FinishReason)
	}
}

func TestStreamToolCallsAndUsage(t *testing.T) {
	t.Parallel()

	server := chunkServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"grep","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"pattern\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"ls","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150,"prompt_tokens_details":{"cached_tokens":100}}}`,
		`[DONE]`,
	}, nil)
	defer server.Close()

	p := New(Config{
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		ModelPricing: map[string]core.ModelPricing{"gpt-4o-mini": {InputPerMTokUSD: 1}},
	})
	stream, err := p.Stream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	msg, summary, err := core.Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if len(msg.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %#v, want 2", msg.ToolCalls)
	}
	if msg.ToolCalls[0].ID != "call_a" || string(msg.ToolCalls[0].Arguments) != `{"pattern":"main"}` {
		t.Fatalf("first call = %#v", msg.ToolCalls[0])
	}
	if msg.ToolCalls[1].ID != "call_b" || msg.ToolCalls[1].Name != "ls" {
		t.Fatalf("second call = %#v", msg.ToolCalls[1])
	}
	if summary.ToolCallCount != 2 || summary.EventCount != 6 {
		t.Fatalf("ToolCallCount = %d EventCount = %d, want 2 and 6", summary.ToolCallCount, summary.EventCount)
	}
	if summary.CacheReadTokens != 100 || summary.CacheCreationTokens != 0 {
		t.Fatalf("cache tokens = %d/%d, want 100/0", summary.CacheReadTokens, summary.CacheCreationTokens)
	}
	if summary.Usage.InputTokens != 20 || summary.Usage.OutputTokens != 30 {
		t.Fatalf("usage = %#v, want input 20 output 30", summary.Usage)
	}
	if summary.Usage.CostUSD <= 0 {
		t.Fatalf("CostUSD = %v, want priced usage", summary.Usage.CostUSD)
	}
}

func TestStreamNon2xxReturnsProviderHTTPError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"model overloaded","type":"server_error","code":null}}`)
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL, Retry: core.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}})
	_, err := p.Stream(context.Background(), chatRequest())
	httpErr, ok := core.AsProviderHTTPError(err)
	if !ok {
		t.Fatalf("Stream() error = %v, want ProviderHTTPError", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Type != "server_error" || httpErr.Message != "model overloaded" {
		t.Fatalf("ProviderHTTPError = %#v", httpErr)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}
}

func TestStreamRetriesDroppedConnection(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			hijacker, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer does not implement hijacker")
				return
			}
			conn, _, err := hijacker.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL, Retry: core.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}})
	stream, err := p.Stream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	msg, _, err := core.Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if msg.Content != "ok" {
		t.Fatalf("Content = %q, want ok", msg.Content)
	}
	if got := hits.Load(); got < 2 {
		t.Fatalf("server hits = %d, want at least 2", got)
	}
}

func TestStreamMissingAPIKey(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	if _, err := p.Stream(context.Background(), chatRequest()); !errors.Is(err, core.ErrMissingAPIKey) {
		t.Fatalf("Stream() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestStreamPlainTextErrorBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway from proxy", http.StatusBadGateway)
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	_, err := p.Stream(context.Background(), chatRequest())
	httpErr, ok := core.AsProviderHTTPError(err)
	if !ok || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("Stream() error = %v, want 502 ProviderHTTPError", err)
	}
	if !strings.Contains(httpErr.Message, "bad gateway from proxy") {
		t.Fatalf("Message = %q", httpErr.Message)
	}
}
