package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus3/internal/llm/core"
)

// runLoop alternates provider calls and tool batches until the model answers
// or a halt condition fires.
func (a *Agent) runLoop(ctx context.Context) Outcome {
	consecutiveEmpty := 0
	iteration := 0

	for {
		if iteration >= a.maxIterations {
			a.logger.Warn("tool loop reached iteration limit", "iterations", iteration)
			a.notice(iteration, core.HaltLimitReached, limitReachedNotice(iteration))
			return a.halt(core.HaltLimitReached, iteration, nil)
		}
		iteration++
		a.countIteration()

		a.setPhase(PhaseAwaitingResponse)
		msg, err := a.callProvider(ctx, iteration)
		if err != nil {
			return a.haltOnError(ctx, iteration, err)
		}

		switch {
		case len(msg.ToolCalls) > 0:
			consecutiveEmpty = 0
			a.setConsecutiveEmpty(0)

			a.setPhase(PhaseExecutingTools)
			results := a.executeTools(ctx, iteration, msg.ToolCalls)
			if ctx.Err() != nil {
				// Interrupted batch: neither the call nor partial results are kept.
				return a.haltOnError(ctx, iteration, ctx.Err())
			}
			a.history.Append(msg)
			a.history.AppendAll(results...)

		case !core.IsEmptyAssistant(msg):
			a.setConsecutiveEmpty(0)
			a.history.Append(msg)
			a.setPhase(PhaseCompleted)
			return Outcome{Reason: core.HaltNormal, Content: msg.Content, Iterations: iteration}

		default:
			consecutiveEmpty++
			a.setConsecutiveEmpty(consecutiveEmpty)
			if consecutiveEmpty >= maxConsecutiveEmpty {
				a.logger.Warn("halting after repeated empty responses", "count", consecutiveEmpty)
				a.notice(iteration, core.HaltRepeatedEmptyResponses, NoticeRepeatedEmpty)
				return a.halt(core.HaltRepeatedEmptyResponses, iteration, nil)
			}
			a.notice(iteration, "", NoticeEmptyResponse)
		}
	}
}

// callProvider issues one provider call over the current context window and
// forwards its content deltas. The stream is closed on every path, so an
// interrupted call is finalized as aborted and never drained.
func (a *Agent) callProvider(ctx context.Context, iteration int) (core.Message, error) {
	callCtx := ctx
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	window := a.history.Window(a.now())
	req := &core.Request{
		Model:       a.model,
		System:      window.System,
		Messages:    window.Messages,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Cache:       a.cache,
	}
	if a.tools != nil {
		req.Tools = a.tools.Specs()
	}
	if window.Omitted > 0 {
		a.logger.Debug("context window truncated", "omitted", window.Omitted, "tokens", window.Tokens(), "budget", window.Budget)
	}

	callCtx, span := a.tracer.Start(callCtx, "agent.provider_call", trace.WithAttributes(
		attribute.Int("agent.iteration", iteration),
		attribute.String("llm.model", a.model),
		attribute.Int("llm.window_tokens", window.Tokens()),
	))
	defer span.End()

	stream, err := a.provider.Stream(callCtx, req)
	if err != nil {
		recordSpanError(span, err)
		return core.Message{}, err
	}
	defer func() {
		_ = stream.Close()
	}()

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recordSpanError(span, err)
			return core.Message{}, err
		}
		if ev.Type == core.EventContentDelta {
			a.emit(Event{Type: EventContentDelta, Iteration: iteration, Text: ev.Text})
		}
	}

	msg, summary := stream.Result()
	span.SetAttributes(
		attribute.Int("llm.event_count", summary.EventCount),
		attribute.Bool("llm.received_terminal", summary.ReceivedTerminal),
		attribute.String("llm.finish_reason", summary.FinishReasonOr("")),
		attribute.Int("llm.cache_read_tokens", summary.CacheReadTokens),
	)
	return msg, nil
}

// executeTools runs one batch and waits for all of it.
func (a *Agent) executeTools(ctx context.Context, iteration int, calls []core.ToolCall) []core.Message {
	ctx, span := a.tracer.Start(ctx, "agent.tool_batch", trace.WithAttributes(
		attribute.Int("agent.iteration", iteration),
		attribute.Int("tool.count", len(calls)),
	))
	defer span.End()

	for i := range calls {
		call := calls[i].Clone()
		a.emit(Event{Type: EventToolStart, Iteration: iteration, ToolCall: &call})
	}

	var results []core.Message
	if a.tools != nil {
		results = a.tools.ExecuteBatch(ctx, calls)
	}
	results = answerEveryCall(calls, results)

	failed := 0
	for i := range results {
		result := results[i].ToolResult
		result.Content = truncateToolResultContent(result.Content)
		results[i].Content = result.Content
		if result.IsError {
			failed++
		}
		copied := *result
		a.emit(Event{Type: EventToolResult, Iteration: iteration, ToolResult: &copied})
	}
	span.SetAttributes(attribute.Int("tool.failed", failed))
	return results
}

// answerEveryCall guarantees one well-formed result per call so the history
// never holds a tool call without its answer.
func answerEveryCall(calls []core.ToolCall, results []core.Message) []core.Message {
	out := make([]core.Message, len(calls))
	for i, call := range calls {
		if i < len(results) && results[i].ToolResult != nil {
			out[i] = results[i]
			continue
		}
		out[i] = core.ToolResultMessage(call, fmt.Sprintf("error: no result for tool %q", call.Name), true)
	}
	return out
}

// haltOnError maps a failed provider call or interrupted batch to its halt.
func (a *Agent) haltOnError(ctx context.Context, iteration int, err error) Outcome {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		a.logger.Info("turn cancelled", "iteration", iteration)
		a.notice(iteration, core.HaltCancelled, NoticeCancelled)
		return a.halt(core.HaltCancelled, iteration, err)

	case errors.Is(err, context.DeadlineExceeded):
		a.logger.Warn("provider call timed out", "iteration", iteration, "timeout", a.callTimeout)
		a.notice(iteration, core.HaltTimeout, timeoutNotice(a.callTimeout))
		return a.halt(core.HaltTimeout, iteration, err)

	case errors.Is(err, context.Canceled):
		a.notice(iteration, core.HaltCancelled, NoticeCancelled)
		return a.halt(core.HaltCancelled, iteration, err)

	default:
		attrs := []any{"iteration", iteration, "error", err}
		if httpErr, ok := core.AsProviderHTTPError(err); ok {
			attrs = append(attrs, "status", httpErr.StatusCode, "type", httpErr.Type)
		}
		a.logger.Error("provider call failed", attrs...)
		a.notice(iteration, core.HaltProviderError, providerErrorNotice(err))
		return a.halt(core.HaltProviderError, iteration, err)
	}
}

func (a *Agent) halt(reason core.HaltReason, iteration int, err error) Outcome {
	a.setPhase(PhaseHalted)
	return Outcome{Reason: reason, Iterations: iteration, Err: err}
}

func sessionAttr(id string) attribute.KeyValue {
	return attribute.String("session.id", id)
}

func turnAttr(turn int) attribute.KeyValue {
	return attribute.Int("agent.turn", turn)
}

func endSpan(span trace.Span, outcome Outcome) {
	span.SetAttributes(
		attribute.String("agent.halt_reason", string(outcome.Reason)),
		attribute.Int("agent.iterations", outcome.Iterations),
	)
	if outcome.Err != nil {
		recordSpanError(span, outcome.Err)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
