package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"nexus3/internal/llm/core"
)

// FuncTool adapts a typed function into a Tool. Its schema is reflected from
// the parameter struct.
type FuncTool[T any] struct {
	spec core.ToolSpec
	fn   func(ctx context.Context, params T) (string, error)
}

// NewFuncTool builds a tool whose parameters decode into T.
func NewFuncTool[T any](name, description string, fn func(ctx context.Context, params T) (string, error)) (*FuncTool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: %s has no function", ErrToolRequired, name)
	}
	var zero T
	spec, err := core.NewToolSpecFromStruct(name, description, zero)
	if err != nil {
		return nil, fmt.Errorf("reflect %s schema: %w", name, err)
	}
	return &FuncTool[T]{spec: spec, fn: fn}, nil
}

// MustFuncTool is NewFuncTool for package-level tool tables.
func MustFuncTool[T any](name, description string, fn func(ctx context.Context, params T) (string, error)) *FuncTool[T] {
	tool, err := NewFuncTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

func (t *FuncTool[T]) Name() string            { return t.spec.Name }
func (t *FuncTool[T]) Description() string     { return t.spec.Description }
func (t *FuncTool[T]) Schema() json.RawMessage { return t.spec.Schema }

func (t *FuncTool[T]) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var input T
	if trimmed := bytes.TrimSpace(params); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &input); err != nil {
			return Result{}, fmt.Errorf("decode %s params: %w", t.spec.Name, err)
		}
	}
	out, err := t.fn(ctx, input)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: out}, nil
}
