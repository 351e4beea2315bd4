package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"nexus3/internal/llm/core"
)

// fakeTool runs run and declares schema, or an open object when schema is
// empty.
type fakeTool struct {
	name   string
	schema string
	run    func(ctx context.Context, params json.RawMessage) (Result, error)
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Description() string { return "  fake tool \n" }

func (f fakeTool) Schema() json.RawMessage {
	if f.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(f.schema)
}

func (f fakeTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	if f.run == nil {
		return Result{}, nil
	}
	return f.run(ctx, params)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(fakeTool{name: "read_file-2"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tool, err := reg.Get("read_file-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tool.Name() != "read_file-2" {
		t.Fatalf("Get().Name() = %q", tool.Name())
	}
	if _, err := reg.Get(" read_file-2"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("Get() with padded name error = %v, want ErrToolNotFound", err)
	}
}

func TestRegistryRejectsInvalidDeclarations(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(fakeTool{name: "echo"})
	tests := []struct {
		name string
		tool Tool
		want error
	}{
		{name: "nil", tool: nil, want: ErrToolRequired},
		{name: "empty name", tool: fakeTool{}, want: ErrInvalidToolName},
		{name: "space in name", tool: fakeTool{name: "read file"}, want: ErrInvalidToolName},
		{name: "long name", tool: fakeTool{name: strings.Repeat("x", 65)}, want: ErrInvalidToolName},
		{name: "array schema", tool: fakeTool{name: "list", schema: `{"type":"array"}`}, want: core.ErrInvalidRequest},
		{name: "broken schema", tool: fakeTool{name: "broken", schema: `{`}, want: core.ErrInvalidRequest},
		{name: "duplicate", tool: fakeTool{name: "echo"}, want: ErrToolAlreadyRegistered},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := reg.Register(tc.tool); !errors.Is(err, tc.want) {
				t.Fatalf("Register() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRegistrySpecsAreNormalizedAndSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		fakeTool{name: "zeta", schema: `{"$schema":"https://json-schema.org/draft/2020-12/schema","properties":{"q":{"type":"string"}},"required":["q"]}`},
		fakeTool{name: "alpha"},
	)
	specs := reg.Specs()
	if len(specs) != 2 || specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Fatalf("Specs() = %#v", specs)
	}
	if specs[0].Description != "fake tool" {
		t.Fatalf("Description = %q, want trimmed", specs[0].Description)
	}
	if got := string(specs[0].Schema); got != `{"properties":{},"type":"object"}` {
		t.Fatalf("alpha schema = %s", got)
	}
	if got := string(specs[1].Schema); got != `{"properties":{"q":{"type":"string"}},"required":["q"],"type":"object"}` {
		t.Fatalf("zeta schema = %s", got)
	}

	specs[1].Schema[0] = 'X'
	if reg.Specs()[1].Schema[0] != '{' {
		t.Fatalf("Specs() shares schema bytes with the registry")
	}
}

func TestNewRegistryPanicsOnDuplicate(t *testing.T) {
	t.Parallel()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrToolAlreadyRegistered) {
			t.Fatalf("recover() = %v, want ErrToolAlreadyRegistered", r)
		}
	}()
	NewRegistry(fakeTool{name: "echo"}, fakeTool{name: "echo"})
}
