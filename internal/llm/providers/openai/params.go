package openaiprovider

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"

	"nexus3/internal/llm/core"
)

// toChatCompletionBody builds the JSON body for a streaming chat completion.
// Streaming flags are forced onto the encoded body so a caller cannot turn
// them off through the request struct.
func toChatCompletionBody(req *core.Request) ([]byte, error) {
	chat, err := toChatCompletionRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("encode chat completion request: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("set stream flag: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("set stream options: %w", err)
	}
	return body, nil
}

// toChatCompletionRequest validates and converts a canonical request.
func toChatCompletionRequest(req *core.Request) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: request is nil", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: model is required", core.ErrInvalidRequest)
	}

	messages, err := toChatMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toChatTools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		out.Tools = tools
	}
	if choice, ok := toChatToolChoice(req.ToolChoice); ok {
		out.ToolChoice = choice
	}
	if userID := strings.TrimSpace(req.Metadata["user_id"]); userID != "" {
		out.User = userID
	}
	return out, nil
}

// toChatMessages places the system prompt first and maps history roles.
func toChatMessages(system string, messages []core.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			continue
		case core.RoleUser:
			if msg.Content == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case core.RoleAssistant:
			if core.IsEmptyAssistant(msg) {
				continue
			}
			chat := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				arguments := string(call.Arguments)
				if strings.TrimSpace(arguments) == "" {
					arguments = "{}"
				}
				chat.ToolCalls = append(chat.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: arguments,
					},
				})
			}
			out = append(out, chat)
		case core.RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			if strings.TrimSpace(msg.ToolResult.ToolCallID) == "" {
				return nil, fmt.Errorf("%w: tool result missing tool_call_id", core.ErrInvalidRequest)
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.ToolResult.Content,
				ToolCallID: msg.ToolResult.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", core.ErrInvalidRequest, msg.Role)
		}
	}
	return out, nil
}

// toChatTools converts canonical tool specs into function tool definitions.
func toChatTools(tools []core.ToolSpec) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		schema, err := core.ParseToolSchema(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("decode tool schema for %q: %w", tool.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema.Document(),
			},
		})
	}
	return out, nil
}

// toChatToolChoice maps canonical tool choice onto the chat completions field.
func toChatToolChoice(choice core.ToolChoice) (any, bool) {
	switch choice.Type {
	case core.ToolChoiceAuto:
		return "auto", true
	case core.ToolChoiceAny:
		return "required", true
	case core.ToolChoiceNone:
		return "none", true
	case core.ToolChoiceTool:
		if strings.TrimSpace(choice.Name) == "" {
			return nil, false
		}
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: choice.Name}}, true
	default:
		return nil, false
	}
}
