package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"nexus3/internal/llm/core"
)

const (
	defaultConcurrency = 4
	defaultToolTimeout = 2 * time.Minute
)

// ExecutionError is a tool failure rendered into a tool-result message.
type ExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

var (
	// ErrTruncatedArguments marks calls whose streamed arguments never formed JSON.
	ErrTruncatedArguments = errors.New("tool arguments were truncated")
	// ErrInvalidArguments marks arguments rejected by the tool schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ExecutorConfig configures batch execution.
type ExecutorConfig struct {
	// Concurrency bounds parallel tool calls within one batch.
	Concurrency int
	// Timeout bounds each tool call.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor runs batches of tool calls against a Registry.
type Executor struct {
	registry    *Registry
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger

	schemas sync.Map // tool name -> *compiledSchema
}

type compiledSchema struct {
	source string
	schema *jsonschema.Schema
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultToolTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Executor{
		registry:    registry,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
}

// Specs describes the registered tools.
func (e *Executor) Specs() []core.ToolSpec {
	return e.registry.Specs()
}

// ExecuteBatch runs calls concurrently and returns one tool-result message per
// call, in call order. It returns only after every call has finished or been
// abandoned because ctx ended. Failures never escape as errors; each becomes
// an error result for its call.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []core.ToolCall) []core.Message {
	results := make([]core.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call core.ToolCall) core.Message {
	started := time.Now()
	result, err := e.run(ctx, call)
	if err != nil {
		execErr := &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		e.logger.Warn("tool call failed", "tool", call.Name, "id", call.ID, "error", err, "duration", time.Since(started))
		return core.ToolResultMessage(call, "error: "+execErr.Err.Error(), true)
	}
	e.logger.Debug("tool call finished", "tool", call.Name, "id", call.ID, "is_error", result.IsError, "duration", time.Since(started))
	return core.ToolResultMessage(call, result.Content, result.IsError)
}

func (e *Executor) run(ctx context.Context, call core.ToolCall) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if call.Truncated {
		return Result{}, ErrTruncatedArguments
	}
	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return Result{}, err
	}
	if err := e.validate(tool, call.Arguments); err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := tool.Execute(callCtx, call.Arguments)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("tool execution timed out after %v", e.timeout)
		}
		return Result{}, fmt.Errorf("tool execution canceled: %w", ctx.Err())
	}
}

// validate checks arguments against the tool schema. A schema that does not
// compile is logged and skipped so a broken declaration cannot wedge the loop.
func (e *Executor) validate(tool Tool, args json.RawMessage) error {
	schema := e.compiled(tool)
	if schema == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func (e *Executor) compiled(tool Tool) *jsonschema.Schema {
	source := string(bytes.TrimSpace(tool.Schema()))
	if source == "" {
		return nil
	}
	if cached, ok := e.schemas.Load(tool.Name()); ok {
		if entry := cached.(*compiledSchema); entry.source == source {
			return entry.schema
		}
	}
	schema, err := compileToolSchema(tool.Name(), tool.Schema())
	if err != nil {
		e.logger.Warn("tool schema does not compile; arguments not validated", "tool", tool.Name(), "error", err)
	}
	e.schemas.Store(tool.Name(), &compiledSchema{source: source, schema: schema})
	return schema
}

// compileToolSchema compiles the document the adapters send for raw, not raw
// itself, so keys the adapters drop are not enforced either.
func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	declared, err := core.ParseToolSchema(raw)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(declared)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	return jsonschema.CompileString(name+".schema.json", string(doc))
}
