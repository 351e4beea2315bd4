package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"nexus3/internal/agent/history"
	"nexus3/internal/llm/core"
	"nexus3/internal/session"
)

const (
	defaultMaxIterations = 25
	// maxConsecutiveEmpty halts the turn on the second empty response.
	maxConsecutiveEmpty = 2
)

const (
	maxToolResultContentLen = 10_000
	toolResultHeadLen       = 4_000
	toolResultTailLen       = 4_000
	toolResultTruncateMark  = "\n...[truncated]...\n"
)

const tracerName = "nexus3/internal/agent"

var (
	// ErrProviderRequired indicates missing LLM provider dependency.
	ErrProviderRequired = errors.New("provider is required")
	// ErrModelRequired indicates a missing model name.
	ErrModelRequired = errors.New("model is required")
	// ErrAgentBusy indicates an attempt to start a turn while one is active.
	ErrAgentBusy = errors.New("agent is already running")
	// ErrInputRequired indicates an empty user input.
	ErrInputRequired = errors.New("input is required")
	// ErrStoreRequired indicates a persistence call without a session store.
	ErrStoreRequired = errors.New("session store is required")
)

// ToolExecutor runs one batch of tool calls and returns their result
// messages in call order. Failures are carried inside the messages.
type ToolExecutor interface {
	Specs() []core.ToolSpec
	ExecuteBatch(ctx context.Context, calls []core.ToolCall) []core.Message
}

// Config configures Agent creation.
type Config struct {
	Provider    core.Provider
	Model       string
	MaxTokens   int
	Temperature *float64
	// Cache asks dialects with explicit cache hints to mark the system prompt.
	Cache bool

	// History defaults to an unlimited manager with no system prompt.
	History *history.Manager
	Tools   ToolExecutor

	MaxIterations int
	// CallTimeout bounds each provider call; zero means no limit.
	CallTimeout time.Duration

	Store     session.Store
	SessionID string

	OnEvent func(Event)
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Outcome is the result of one turn.
type Outcome struct {
	Reason     core.HaltReason
	Content    string
	Iterations int
	Err        error
}

// Agent drives the tool loop for one session. It is the only writer of the
// session history and runs at most one turn at a time.
type Agent struct {
	provider      core.Provider
	model         string
	maxTokens     int
	temperature   *float64
	cache         bool
	history       *history.Manager
	tools         ToolExecutor
	maxIterations int
	callTimeout   time.Duration
	store         session.Store
	onEvent       func(Event)
	tracer        trace.Tracer
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	phase     Phase
	running   bool
	cancel    context.CancelFunc
	sessionID string
	counters  session.Counters
}

// New creates an agent with explicit dependencies.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, ErrProviderRequired
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, ErrModelRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	hist := cfg.History
	if hist == nil {
		hist = history.New(history.Config{Logger: logger})
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sessionID := strings.TrimSpace(cfg.SessionID)
	if sessionID == "" {
		sessionID = session.NewID()
	}

	return &Agent{
		provider:      cfg.Provider,
		model:         model,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		cache:         cfg.Cache,
		history:       hist,
		tools:         cfg.Tools,
		maxIterations: maxIterations,
		callTimeout:   cfg.CallTimeout,
		store:         cfg.Store,
		onEvent:       cfg.OnEvent,
		tracer:        tracer,
		logger:        logger.With("session", sessionID),
		now:           now,
		phase:         PhaseIdle,
		sessionID:     sessionID,
	}, nil
}

// Turn appends input as a user message and runs the tool loop until the model
// answers or the loop halts. Abnormal halts are reported in the Outcome, not
// as an error; the error is reserved for misuse and persistence failures.
func (a *Agent) Turn(ctx context.Context, input string) (Outcome, error) {
	if strings.TrimSpace(input) == "" {
		return Outcome{}, ErrInputRequired
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return Outcome{}, ErrAgentBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.counters.Turns++
	a.counters.ConsecutiveEmpty = 0
	turn := a.counters.Turns
	a.mu.Unlock()
	defer a.finishTurn(cancel)

	turnCtx, span := a.tracer.Start(turnCtx, "agent.turn", trace.WithAttributes(
		sessionAttr(a.ID()),
		turnAttr(turn),
	))
	defer span.End()

	a.history.Append(core.UserMessage(input))

	outcome := a.runLoop(turnCtx)
	endSpan(span, outcome)

	a.emit(Event{Type: EventComplete, Iteration: outcome.Iterations, Text: outcome.Content, Reason: outcome.Reason})

	if a.store != nil {
		// The turn context may already be cancelled; the save must still land.
		if err := a.Save(context.WithoutCancel(ctx)); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// Cancel interrupts the active turn, if any. The turn halts with reason
// cancelled and appends nothing from the interrupted call.
func (a *Agent) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Phase returns the current state machine position.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Running reports whether a turn is active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ID returns the session id.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// History exposes the context manager.
func (a *Agent) History() *history.Manager {
	return a.history
}

// State returns a snapshot of the session.
func (a *Agent) State() session.State {
	a.mu.Lock()
	id := a.sessionID
	counters := a.counters
	a.mu.Unlock()
	return session.State{
		ID:        id,
		Model:     a.model,
		Messages:  a.history.Messages(),
		Counters:  counters,
		UpdatedAt: a.now().UTC(),
	}
}

// Restore replaces the session with state. Messages pass through the same
// append guard as live turns. It returns the number of dropped messages.
func (a *Agent) Restore(state session.State) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return 0, ErrAgentBusy
	}
	if id := strings.TrimSpace(state.ID); id != "" {
		a.sessionID = id
	}
	a.counters = state.Counters
	a.phase = PhaseIdle
	return a.history.Restore(state.Messages), nil
}

// Resume loads id from the store and restores it.
func (a *Agent) Resume(ctx context.Context, id string) (int, error) {
	if a.store == nil {
		return 0, ErrStoreRequired
	}
	state, err := a.store.Load(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("resume session %s: %w", id, err)
	}
	dropped, err := a.Restore(state)
	if err != nil {
		return 0, err
	}
	return dropped + state.Dropped, nil
}

// Save persists the current state to the store.
func (a *Agent) Save(ctx context.Context) error {
	if a.store == nil {
		return ErrStoreRequired
	}
	state := a.State()
	if err := a.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	return nil
}

func (a *Agent) finishTurn(cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = nil
	a.running = false
}

func (a *Agent) setPhase(next Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phase = next
}

func (a *Agent) setConsecutiveEmpty(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters.ConsecutiveEmpty = n
}

func (a *Agent) countIteration() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters.Iterations++
}

func (a *Agent) emit(ev Event) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}

func (a *Agent) notice(iteration int, reason core.HaltReason, text string) {
	a.emit(Event{Type: EventNotice, Iteration: iteration, Text: text, Reason: reason})
}

func truncateToolResultContent(content string) string {
	if len(content) <= maxToolResultContentLen {
		return content
	}
	return strings.ToValidUTF8(content[:toolResultHeadLen]+toolResultTruncateMark+content[len(content)-toolResultTailLen:], "")
}
