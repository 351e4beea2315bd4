package core

import (
	"context"
	"encoding/json"
)

// Provider issues one streaming model call per Stream invocation.
//
// The returned Stream owns the response body; callers must Close it even when
// iteration ended early.
type Provider interface {
	Stream(ctx context.Context, req *Request) (*Stream, error)
}

// ToolChoiceType defines how the provider may choose tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceNone ToolChoiceType = "none"
	ToolChoiceTool ToolChoiceType = "tool"
)

// ToolChoice controls provider tool dispatch mode.
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	Name string         `json:"name,omitempty"`
}

// ToolSpec describes a tool exposed to the model.
// Schema can be generated from a Go struct via NewToolSpecFromStruct.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is the provider-agnostic streaming request.
//
// System is the final system prompt text, already carrying every injected
// fragment. Cache asks dialects with explicit cache hints to mark it for
// retention; dialects with automatic caching ignore it.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
	ToolChoice  ToolChoice
	Metadata    map[string]string
	Cache       bool
}

// Clone returns a deep copy of req.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Messages = CloneMessages(r.Messages)
	if len(r.Tools) > 0 {
		cloned.Tools = make([]ToolSpec, 0, len(r.Tools))
		for _, tool := range r.Tools {
			copyTool := tool
			copyTool.Schema = append(json.RawMessage(nil), tool.Schema...)
			cloned.Tools = append(cloned.Tools, copyTool)
		}
	}
	if len(r.Metadata) > 0 {
		cloned.Metadata = make(map[string]string, len(r.Metadata))
		for key, value := range r.Metadata {
			cloned.Metadata[key] = value
		}
	}
	if r.Temperature != nil {
		value := *r.Temperature
		cloned.Temperature = &value
	}
	return &cloned
}
