package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// paramReflector inlines nested types and closes every reflected object.
var paramReflector = jsonschema.Reflector{
	DoNotReference:            true,
	AllowAdditionalProperties: false,
}

// ToolSchema is the parameter schema of one tool. The top level is always an
// object; property schemas are kept as declared.
//
// Adapters send Document as the tool's input schema and the tools executor
// compiles the same document, so arguments are validated against exactly
// what the model was shown.
type ToolSchema struct {
	Properties map[string]any
	Required   []string
	// Closed rejects argument keys missing from Properties.
	Closed bool
}

// Document renders s as a JSON Schema object.
func (s ToolSchema) Document() map[string]any {
	properties := s.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(s.Required) > 0 {
		doc["required"] = append([]string(nil), s.Required...)
	}
	if s.Closed {
		doc["additionalProperties"] = false
	}
	return doc
}

func (s ToolSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// ParseToolSchema reads a declared schema. Empty input is an open object with
// no properties.
func ParseToolSchema(raw json.RawMessage) (ToolSchema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ToolSchema{Properties: map[string]any{}}, nil
	}

	var wire struct {
		Type                 string          `json:"type"`
		Properties           map[string]any  `json:"properties"`
		Required             []string        `json:"required"`
		AdditionalProperties json.RawMessage `json:"additionalProperties"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return ToolSchema{}, fmt.Errorf("%w: invalid tool schema json", ErrInvalidRequest)
	}
	if wire.Type != "" && wire.Type != "object" {
		return ToolSchema{}, fmt.Errorf("%w: tool schema type must be object, got %q", ErrInvalidRequest, wire.Type)
	}
	if wire.Properties == nil {
		wire.Properties = map[string]any{}
	}
	return ToolSchema{
		Properties: wire.Properties,
		Required:   wire.Required,
		Closed:     string(bytes.TrimSpace(wire.AdditionalProperties)) == "false",
	}, nil
}

// ReflectToolSchema builds the schema of a parameter struct. Fields tagged
// jsonschema:"required" become required and undeclared keys are rejected.
func ReflectToolSchema(params any) (ToolSchema, error) {
	t := reflect.TypeOf(params)
	if t == nil {
		return ToolSchema{}, fmt.Errorf("%w: parameter type is nil", ErrInvalidRequest)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return ToolSchema{}, fmt.Errorf("%w: parameters must be a struct, got %s", ErrInvalidRequest, t.Kind())
	}

	raw, err := json.Marshal(paramReflector.Reflect(reflect.New(t).Interface()))
	if err != nil {
		return ToolSchema{}, fmt.Errorf("marshal reflected schema: %w", err)
	}
	return ParseToolSchema(raw)
}

// NewToolSpecFromStruct declares a tool whose arguments decode into params.
func NewToolSpecFromStruct(name, description string, params any) (ToolSpec, error) {
	schema, err := ReflectToolSchema(params)
	if err != nil {
		return ToolSpec{}, err
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return ToolSpec{}, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	return ToolSpec{Name: name, Description: description, Schema: raw}, nil
}

// DecodeJSONObject decodes tool arguments. Empty input is an empty object.
func DecodeJSONObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	obj := map[string]any{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: tool arguments are not a json object: %v", ErrInvalidRequest, err)
	}
	return obj, nil
}

// DecodeJSONObjectOrEmpty is DecodeJSONObject with an empty object on error.
func DecodeJSONObjectOrEmpty(raw json.RawMessage) map[string]any {
	obj, err := DecodeJSONObject(raw)
	if err != nil {
		return map[string]any{}
	}
	return obj
}
