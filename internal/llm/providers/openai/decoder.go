package openaiprovider

import (
	"bytes"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

// Dialect names the delta-chunk wire format in summaries and telemetry.
const Dialect = "openai"

// doneSentinel terminates a delta-chunk stream. It is not JSON and is not
// counted as a wire event.
var doneSentinel = []byte("[DONE]")

type chunkDecoder struct{}

// NewDecoder returns a decoder for one delta-chunk stream.
func NewDecoder() core.Decoder {
	return chunkDecoder{}
}

func (chunkDecoder) Decode(frame core.Frame) (core.Decoded, error) {
	data := bytes.TrimSpace(frame.Data)
	if bytes.Equal(data, doneSentinel) {
		return core.Decoded{Sentinel: true, Events: []core.StreamEvent{{Type: core.EventTerminalStop}}}, nil
	}
	if !gjson.ValidBytes(data) {
		return core.Decoded{}, fmt.Errorf("%w: chunk is not json", core.ErrMalformedFrame)
	}
	if errObj := gjson.GetBytes(data, "error"); errObj.Exists() && errObj.IsObject() {
		return core.Decoded{Events: []core.StreamEvent{{
			Type:   core.EventFinishReason,
			Reason: "error",
			Text:   errObj.Get("message").String(),
		}}}, nil
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return core.Decoded{}, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}

	var events []core.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			events = append(events, core.StreamEvent{Type: core.EventContentDelta, Text: choice.Delta.Content})
		}
		for position, call := range choice.Delta.ToolCalls {
			index := position
			if call.Index != nil {
				index = *call.Index
			}
			if call.ID != "" || call.Function.Name != "" {
				events = append(events, core.StreamEvent{
					Type:  core.EventToolCallStart,
					Index: index,
					ID:    call.ID,
					Name:  call.Function.Name,
				})
			}
			if call.Function.Arguments != "" {
				events = append(events, core.StreamEvent{
					Type:  core.EventToolCallArgsDelta,
					Index: index,
					Text:  call.Function.Arguments,
				})
			}
		}
		if reason := string(choice.FinishReason); reason != "" && choice.FinishReason != openai.FinishReasonNull {
			events = append(events, core.StreamEvent{Type: core.EventFinishReason, Reason: reason})
		}
	}
	if chunk.Usage != nil {
		events = append(events, core.StreamEvent{Type: core.EventRawUsage, Usage: usageFields(chunk.Usage)})
	}
	return core.Decoded{Events: events}, nil
}

// usageFields maps chat usage. Cached prompt tokens are reported inside
// prompt_tokens, so they are split out into the cache-read bucket.
func usageFields(usage *openai.Usage) *core.UsageFields {
	cached := 0
	if usage.PromptTokensDetails != nil {
		cached = usage.PromptTokensDetails.CachedTokens
	}
	return &core.UsageFields{
		InputTokens:         core.IntPtr(usage.PromptTokens - cached),
		OutputTokens:        core.IntPtr(usage.CompletionTokens),
		CacheCreationTokens: core.IntPtr(0),
		CacheReadTokens:     core.IntPtr(cached),
	}
}
