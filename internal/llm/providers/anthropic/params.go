package anthropicprovider

import (
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"nexus3/internal/llm/core"
)

// defaultMaxTokens is used when callers do not provide an explicit token budget.
const defaultMaxTokens = 4096

// toAnthropicSDKParams validates and converts a canonical request into SDK params.
func toAnthropicSDKParams(req *core.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: request is nil", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: model is required", core.ErrInvalidRequest)
	}

	messages, err := toSDKMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toSDKTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if toolChoice, ok := toSDKToolChoice(req.ToolChoice); ok {
		params.ToolChoice = toolChoice
	}
	if userID := strings.TrimSpace(req.Metadata["user_id"]); userID != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(userID)}
	}

	return params, nil
}

// systemBlocks builds the system prompt block. The ephemeral cache hint is
// attached only when the request asks for caching.
func systemBlocks(req *core.Request) []anthropic.TextBlockParam {
	if strings.TrimSpace(req.System) == "" {
		return nil
	}
	block := anthropic.TextBlockParam{Text: req.System}
	if req.Cache {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return []anthropic.TextBlockParam{block}
}

// toSDKMessages converts canonical conversation messages into Anthropic SDK messages.
// System-role history entries are skipped; the system prompt travels in params.System.
func toSDKMessages(messages []core.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case core.RoleSystem:
			continue
		case core.RoleUser:
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case core.RoleAssistant:
			blocks := toSDKAssistantBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case core.RoleTool:
			blocks, next, err := collectSDKToolResultBlocks(messages, i)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
			i = next
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", core.ErrInvalidRequest, msg.Role)
		}
	}

	return out, nil
}

// toSDKAssistantBlocks builds assistant blocks, including tool_use blocks when present.
func toSDKAssistantBlocks(msg core.Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
			continue
		}
		input := core.DecodeJSONObjectOrEmpty(call.Arguments)
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}
	return blocks
}

// collectSDKToolResultBlocks groups consecutive tool-result messages into one SDK user message.
func collectSDKToolResultBlocks(messages []core.Message, start int) ([]anthropic.ContentBlockParamUnion, int, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0)
	last := start

	for j := start; j < len(messages); j++ {
		msg := messages[j]
		if msg.Role != core.RoleTool {
			break
		}
		last = j

		if msg.ToolResult == nil {
			continue
		}

		tr := msg.ToolResult
		if strings.TrimSpace(tr.ToolCallID) == "" {
			return nil, 0, fmt.Errorf("%w: tool result missing tool_call_id", core.ErrInvalidRequest)
		}

		blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
	}

	return blocks, last, nil
}

// toSDKTools converts canonical tool specs into Anthropic SDK tool definitions.
func toSDKTools(tools []core.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema, err := core.ParseToolSchema(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("decode tool schema for %q: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolParam{
			Name: tool.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if schema.Closed {
			toolParam.InputSchema.ExtraFields = map[string]any{"additionalProperties": false}
		}
		if strings.TrimSpace(tool.Description) != "" {
			toolParam.Description = anthropic.String(tool.Description)
		}

		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out, nil
}

// toSDKToolChoice maps canonical tool choice behavior to Anthropic SDK union params.
func toSDKToolChoice(choice core.ToolChoice) (anthropic.ToolChoiceUnionParam, bool) {
	switch choice.Type {
	case core.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, true
	case core.ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
	case core.ToolChoiceNone:
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}, true
	case core.ToolChoiceTool:
		if strings.TrimSpace(choice.Name) == "" {
			return anthropic.ToolChoiceUnionParam{}, false
		}
		return anthropic.ToolChoiceParamOfTool(choice.Name), true
	default:
		return anthropic.ToolChoiceUnionParam{}, false
	}
}
