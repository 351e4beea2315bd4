package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"nexus3/internal/agent/history"
	"nexus3/internal/llm/core"
	mockprovider "nexus3/internal/llm/providers/mock"
	"nexus3/internal/session"
	"nexus3/internal/tools"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type echoParams struct {
	Text string `json:"text"`
}

type blockParams struct {
	Reason string `json:"reason,omitempty"`
}

func newTestAgent(t *testing.T, mp *mockprovider.Provider, mutate func(*Config)) (*Agent, *eventLog) {
	t.Helper()

	log := &eventLog{}
	echo := tools.MustFuncTool("echo", "Echo text back.", func(_ context.Context, p echoParams) (string, error) {
		return "echo: " + p.Text, nil
	})
	cfg := Config{
		Provider: mp,
		Model:    "mock-model",
		History:  history.New(history.Config{SystemPrompt: "be brief"}),
		Tools:    tools.NewExecutor(tools.NewRegistry(echo), tools.ExecutorConfig{}),
		OnEvent:  log.record,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, log
}

func assertNoEmptyAssistant(t *testing.T, messages []core.Message) {
	t.Helper()
	for i, msg := range messages {
		if core.IsEmptyAssistant(msg) {
			t.Fatalf("history[%d] is an empty assistant message", i)
		}
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "m"}); !errors.Is(err, ErrProviderRequired) {
		t.Fatalf("expected ErrProviderRequired, got %v", err)
	}
	if _, err := New(Config{Provider: mockprovider.New()}); !errors.Is(err, ErrModelRequired) {
		t.Fatalf("expected ErrModelRequired, got %v", err)
	}
}

func TestTurnCompletesWithText(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Text("Hi"))
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltNormal || outcome.Content != "Hi" || outcome.Iterations != 1 {
		t.Fatalf("outcome = %#v", outcome)
	}
	if got := a.Phase(); got != PhaseCompleted {
		t.Fatalf("Phase() = %s, want %s", got, PhaseCompleted)
	}

	msgs := a.History().Messages()
	if len(msgs) != 2 || msgs[0].Role != core.RoleUser || msgs[1].Content != "Hi" {
		t.Fatalf("history = %#v", msgs)
	}

	reqs := mp.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(reqs))
	}
	if reqs[0].System != "be brief" || reqs[0].Model != "mock-model" {
		t.Fatalf("request = %#v", reqs[0])
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Fatalf("request tools = %#v", reqs[0].Tools)
	}

	deltas := log.ofType(EventContentDelta)
	if len(deltas) != 1 || deltas[0].Text != "Hi" {
		t.Fatalf("content deltas = %#v", deltas)
	}
	complete := log.ofType(EventComplete)
	if len(complete) != 1 || complete[0].Reason != core.HaltNormal {
		t.Fatalf("complete events = %#v", complete)
	}
	if notices := log.ofType(EventNotice); len(notices) != 0 {
		t.Fatalf("unexpected notices: %#v", notices)
	}
}

func TestTurnRetriesSingleEmptyResponse(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Empty(), mockprovider.Text("ok"))
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltNormal || outcome.Content != "ok" || outcome.Iterations != 2 {
		t.Fatalf("outcome = %#v", outcome)
	}
	if mp.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", mp.Calls())
	}

	notices := log.ofType(EventNotice)
	if len(notices) != 1 || notices[0].Text != NoticeEmptyResponse {
		t.Fatalf("notices = %#v", notices)
	}

	msgs := a.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}
	assertNoEmptyAssistant(t, msgs)
	if got := a.State().Counters.ConsecutiveEmpty; got != 0 {
		t.Fatalf("ConsecutiveEmpty = %d, want 0", got)
	}
}

func TestTurnKeepsWhitespaceOnlyReply(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Text("\n"), mockprovider.Text(" "), mockprovider.Text("ok"))
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltNormal || outcome.Content != "\n" || outcome.Iterations != 1 {
		t.Fatalf("outcome = %#v", outcome)
	}
	if mp.Calls() != 1 {
		t.Fatalf("expected 1 provider call, got %d", mp.Calls())
	}
	if notices := log.ofType(EventNotice); len(notices) != 0 {
		t.Fatalf("unexpected notices: %#v", notices)
	}
	msgs := a.History().Messages()
	if len(msgs) != 2 || msgs[1].Role != core.RoleAssistant || msgs[1].Content != "\n" {
		t.Fatalf("history = %#v", msgs)
	}
}

// summaryOrder records provider summaries and requests in arrival order.
type summaryOrder struct {
	mu      sync.Mutex
	entries []string
}

func (o *summaryOrder) add(entry string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
}

func (o *summaryOrder) OnChunk(core.RawChunk) {}

func (o *summaryOrder) OnStreamComplete(core.StreamSummary) {
	o.add("summary")
}

func TestTurnSummaryPrecedesNextProviderCall(t *testing.T) {
	t.Parallel()

	order := &summaryOrder{}
	mp := mockprovider.New(
		mockprovider.ToolCalls(mockprovider.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"x"}`}),
		mockprovider.Text("done"),
	)
	mp.Observer = order
	a, _ := newTestAgent(t, mp, func(cfg *Config) {
		inner := cfg.OnEvent
		cfg.OnEvent = func(ev Event) {
			switch ev.Type {
			case EventToolStart, EventComplete:
				order.add(string(ev.Type))
			}
			inner(ev)
		}
	})

	if _, err := a.Turn(context.Background(), "hello"); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	order.mu.Lock()
	defer order.mu.Unlock()
	got := strings.Join(order.entries, " ")
	want := "summary " + string(EventToolStart) + " summary " + string(EventComplete)
	if got != want {
		t.Fatalf("order = %q, want %q", got, want)
	}
}

func TestTurnHaltsAfterTwoConsecutiveEmptyResponses(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Empty(), mockprovider.Empty(), mockprovider.Text("never"))
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltRepeatedEmptyResponses {
		t.Fatalf("Reason = %s, want %s", outcome.Reason, core.HaltRepeatedEmptyResponses)
	}
	if mp.Calls() != 2 {
		t.Fatalf("expected exactly 2 provider calls, got %d", mp.Calls())
	}
	if got := a.Phase(); got != PhaseHalted {
		t.Fatalf("Phase() = %s, want %s", got, PhaseHalted)
	}

	notices := log.ofType(EventNotice)
	if len(notices) != 2 || notices[0].Text != NoticeEmptyResponse || notices[1].Text != NoticeRepeatedEmpty {
		t.Fatalf("notices = %#v", notices)
	}
	msgs := a.History().Messages()
	if len(msgs) != 1 || msgs[0].Role != core.RoleUser {
		t.Fatalf("history = %#v", msgs)
	}
	if got := a.State().Counters.ConsecutiveEmpty; got != 2 {
		t.Fatalf("ConsecutiveEmpty = %d, want 2", got)
	}
}

func TestTurnResetsEmptyCounterAfterToolCall(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(
		mockprovider.Empty(),
		mockprovider.ToolCalls(mockprovider.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"a"}`}),
		mockprovider.Empty(),
		mockprovider.Text("done"),
	)
	a, _ := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltNormal || outcome.Content != "done" {
		t.Fatalf("outcome = %#v", outcome)
	}
	if mp.Calls() != 4 {
		t.Fatalf("expected 4 provider calls, got %d", mp.Calls())
	}
	assertNoEmptyAssistant(t, a.History().Messages())
}

func TestTurnExecutesToolBatch(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(
		mockprovider.ToolCalls(
			mockprovider.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"one"}`},
			mockprovider.ToolCall{ID: "call_2", Name: "missing", Arguments: `{}`},
		),
		mockprovider.Text("done"),
	)
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "run tools")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltNormal || outcome.Iterations != 2 {
		t.Fatalf("outcome = %#v", outcome)
	}

	msgs := a.History().Messages()
	if len(msgs) != 5 {
		t.Fatalf("history length = %d, want 5: %#v", len(msgs), msgs)
	}
	if msgs[1].Role != core.RoleAssistant || len(msgs[1].ToolCalls) != 2 {
		t.Fatalf("assistant tool message = %#v", msgs[1])
	}
	if msgs[2].ToolResult == nil || msgs[2].ToolResult.ToolCallID != "call_1" || msgs[2].ToolResult.Content != "echo: one" {
		t.Fatalf("first result = %#v", msgs[2])
	}
	if msgs[3].ToolResult == nil || !msgs[3].ToolResult.IsError || msgs[3].ToolResult.ToolCallID != "call_2" {
		t.Fatalf("second result = %#v", msgs[3])
	}

	reqs := mp.Requests()
	if len(reqs) != 2 || len(reqs[1].Messages) != 4 {
		t.Fatalf("second request should carry the tool results: %#v", reqs)
	}

	if starts := log.ofType(EventToolStart); len(starts) != 2 {
		t.Fatalf("tool start events = %d, want 2", len(starts))
	}
	results := log.ofType(EventToolResult)
	if len(results) != 2 || results[0].ToolResult.Content != "echo: one" {
		t.Fatalf("tool result events = %#v", results)
	}
}

func TestTurnStopsAtIterationLimit(t *testing.T) {
	t.Parallel()

	call := mockprovider.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"again"}`}
	mp := mockprovider.New(
		mockprovider.ToolCalls(call),
		mockprovider.ToolCalls(call),
		mockprovider.ToolCalls(call),
	)
	a, log := newTestAgent(t, mp, func(cfg *Config) { cfg.MaxIterations = 2 })

	outcome, err := a.Turn(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltLimitReached || outcome.Iterations != 2 {
		t.Fatalf("outcome = %#v", outcome)
	}
	if mp.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", mp.Calls())
	}
	notices := log.ofType(EventNotice)
	if len(notices) != 1 || notices[0].Reason != core.HaltLimitReached {
		t.Fatalf("notices = %#v", notices)
	}
	if got := a.State().Counters.Iterations; got != 2 {
		t.Fatalf("Counters.Iterations = %d, want 2", got)
	}
}

func TestTurnCancelDuringProviderCall(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Hang())
	a, _ := newTestAgent(t, mp, nil)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := a.Turn(context.Background(), "wait")
		if err != nil {
			t.Errorf("Turn() error = %v", err)
		}
		done <- outcome
	}()

	eventually(t, time.Second, func() bool { return mp.Calls() == 1 && a.Phase() == PhaseAwaitingResponse })
	a.Cancel()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn did not stop after Cancel()")
	}
	if outcome.Reason != core.HaltCancelled {
		t.Fatalf("Reason = %s, want %s", outcome.Reason, core.HaltCancelled)
	}
	if !errors.Is(outcome.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", outcome.Err)
	}
	if msgs := a.History().Messages(); len(msgs) != 1 {
		t.Fatalf("history should only hold the user message: %#v", msgs)
	}
	if a.Running() {
		t.Fatalf("agent still running after cancelled turn")
	}
}

func TestTurnCallTimeoutIsDistinctFromCancel(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Hang())
	a, log := newTestAgent(t, mp, func(cfg *Config) { cfg.CallTimeout = 50 * time.Millisecond })

	outcome, err := a.Turn(context.Background(), "wait")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltTimeout {
		t.Fatalf("Reason = %s, want %s", outcome.Reason, core.HaltTimeout)
	}
	if !errors.Is(outcome.Err, context.DeadlineExceeded) {
		t.Fatalf("Err = %v, want context.DeadlineExceeded", outcome.Err)
	}
	notices := log.ofType(EventNotice)
	if len(notices) != 1 || !strings.Contains(notices[0].Text, "timed out") {
		t.Fatalf("notices = %#v", notices)
	}
}

func TestTurnCancelDuringToolBatchAppendsNothing(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	block := tools.MustFuncTool("block", "Blocks until cancelled.", func(ctx context.Context, _ blockParams) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	mp := mockprovider.New(
		mockprovider.ToolCalls(mockprovider.ToolCall{ID: "call_1", Name: "block", Arguments: `{}`}),
		mockprovider.Text("never"),
	)
	a, _ := newTestAgent(t, mp, func(cfg *Config) {
		cfg.Tools = tools.NewExecutor(tools.NewRegistry(block), tools.ExecutorConfig{})
	})

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := a.Turn(context.Background(), "block")
		done <- outcome
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("tool did not start")
	}
	if got := a.Phase(); got != PhaseExecutingTools {
		t.Fatalf("Phase() = %s, want %s", got, PhaseExecutingTools)
	}
	a.Cancel()

	outcome := <-done
	if outcome.Reason != core.HaltCancelled {
		t.Fatalf("Reason = %s, want %s", outcome.Reason, core.HaltCancelled)
	}
	if mp.Calls() != 1 {
		t.Fatalf("expected 1 provider call, got %d", mp.Calls())
	}
	if msgs := a.History().Messages(); len(msgs) != 1 {
		t.Fatalf("history should only hold the user message: %#v", msgs)
	}
}

func TestTurnProviderErrorHalts(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Response{Status: 503, Body: "overloaded"})
	a, log := newTestAgent(t, mp, nil)

	outcome, err := a.Turn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if outcome.Reason != core.HaltProviderError {
		t.Fatalf("Reason = %s, want %s", outcome.Reason, core.HaltProviderError)
	}
	httpErr, ok := core.AsProviderHTTPError(outcome.Err)
	if !ok || httpErr.StatusCode != 503 {
		t.Fatalf("Err = %v, want provider http error 503", outcome.Err)
	}
	notices := log.ofType(EventNotice)
	if len(notices) != 1 || notices[0].Reason != core.HaltProviderError {
		t.Fatalf("notices = %#v", notices)
	}
}

func TestTurnRejectsConcurrentTurns(t *testing.T) {
	t.Parallel()

	mp := mockprovider.New(mockprovider.Hang())
	a, _ := newTestAgent(t, mp, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Turn(context.Background(), "first")
	}()
	eventually(t, time.Second, func() bool { return mp.Calls() == 1 })

	if _, err := a.Turn(context.Background(), "second"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy, got %v", err)
	}
	a.Cancel()
	<-done

	if _, err := a.Turn(context.Background(), "  "); !errors.Is(err, ErrInputRequired) {
		t.Fatalf("expected ErrInputRequired, got %v", err)
	}
}

func TestTurnSavesAndResumesSession(t *testing.T) {
	t.Parallel()

	store, err := session.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	mp := mockprovider.New(mockprovider.Empty(), mockprovider.Text("first answer"))
	a, _ := newTestAgent(t, mp, func(cfg *Config) {
		cfg.Store = store
		cfg.SessionID = "s1"
	})
	if _, err := a.Turn(context.Background(), "hello"); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	resumedProvider := mockprovider.New(mockprovider.Text("second answer"))
	resumed, _ := newTestAgent(t, resumedProvider, func(cfg *Config) { cfg.Store = store })
	dropped, err := resumed.Resume(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
	state := resumed.State()
	if state.ID != "s1" || len(state.Messages) != 2 || state.Counters.Turns != 1 || state.Counters.Iterations != 2 {
		t.Fatalf("resumed state = %#v", state)
	}

	if _, err := resumed.Turn(context.Background(), "again"); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	reqs := resumedProvider.Requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 3 {
		t.Fatalf("resumed request should carry restored history: %#v", reqs)
	}

	loaded, err := store.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Messages) != 4 || loaded.Counters.Turns != 2 {
		t.Fatalf("saved state = %#v", loaded)
	}
}

func TestResumeRequiresStore(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, mockprovider.New(), nil)
	if _, err := a.Resume(context.Background(), "s1"); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
}

func TestRestoreDropsEmptyAssistantMessages(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, mockprovider.New(), nil)
	dropped, err := a.Restore(session.State{
		ID: "restored",
		Messages: []core.Message{
			core.UserMessage("hi"),
			{Role: core.RoleAssistant},
		},
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if dropped != 1 || a.History().Len() != 1 || a.ID() != "restored" {
		t.Fatalf("dropped = %d len = %d id = %s", dropped, a.History().Len(), a.ID())
	}
}

func TestTurnRecordsSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	mp := mockprovider.New(
		mockprovider.ToolCalls(mockprovider.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"x"}`}),
		mockprovider.Text("done"),
	)
	a, _ := newTestAgent(t, mp, func(cfg *Config) { cfg.Tracer = tp.Tracer("test") })
	if _, err := a.Turn(context.Background(), "hello"); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	counts := map[string]int{}
	for _, span := range exporter.GetSpans() {
		counts[span.Name]++
	}
	if counts["agent.turn"] != 1 || counts["agent.provider_call"] != 2 || counts["agent.tool_batch"] != 1 {
		t.Fatalf("span counts = %v", counts)
	}
}

func TestTruncateToolResultContent(t *testing.T) {
	t.Parallel()

	short := "ok"
	if got := truncateToolResultContent(short); got != short {
		t.Fatalf("short content changed: %q", got)
	}

	long := strings.Repeat("a", toolResultHeadLen) + strings.Repeat("m", 5_000) + strings.Repeat("z", toolResultTailLen)
	got := truncateToolResultContent(long)
	if !strings.Contains(got, toolResultTruncateMark) {
		t.Fatalf("missing truncation mark")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", toolResultHeadLen)) || !strings.HasSuffix(got, strings.Repeat("z", toolResultTailLen)) {
		t.Fatalf("truncation did not keep head and tail")
	}
	if strings.Contains(got, "m") {
		t.Fatalf("middle should be dropped")
	}
}

func eventually(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
