// Package tools declares, validates and runs the tools the agent offers to
// the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"nexus3/internal/llm/core"
)

var (
	ErrToolRequired          = errors.New("tool is required")
	ErrInvalidToolName       = errors.New("invalid tool name")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound          = errors.New("tool not found")
)

// toolNamePattern is the name shape both provider dialects accept.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Result is tool output as the model will see it.
type Result struct {
	Content string
	IsError bool
}

// Tool is the runtime contract for every tool the model may call.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (Result, error)
}

// Registry holds the tools offered to the model. A declaration is checked and
// normalized when the tool is registered, so Specs cannot fail later.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	tool Tool
	spec core.ToolSpec
}

// NewRegistry registers initial in order. It is meant for static tool tables
// and panics on a tool Register would reject.
func NewRegistry(initial ...Tool) *Registry {
	r := &Registry{entries: make(map[string]entry, len(initial))}
	for _, tool := range initial {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds tool under its name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrToolRequired
	}
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	schema, err := core.ParseToolSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	doc, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	r.entries[name] = entry{
		tool: tool,
		spec: core.ToolSpec{Name: name, Description: strings.TrimSpace(tool.Description()), Schema: doc},
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Specs returns the normalized declarations sorted by name, so requests are
// stable across calls.
func (r *Registry) Specs() []core.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]core.ToolSpec, 0, len(r.entries))
	for _, e := range r.entries {
		spec := e.spec
		spec.Schema = append(json.RawMessage(nil), e.spec.Schema...)
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
