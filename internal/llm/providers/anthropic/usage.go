package anthropicprovider

import (
	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/respjson"

	"nexus3/internal/llm/core"
)

// startUsage maps message_start usage counters. Fields missing from the wire
// payload stay nil so they never overwrite earlier values.
func startUsage(usage anthropic.Usage) *core.UsageFields {
	return &core.UsageFields{
		InputTokens:         present(usage.JSON.InputTokens, usage.InputTokens),
		OutputTokens:        present(usage.JSON.OutputTokens, usage.OutputTokens),
		CacheCreationTokens: present(usage.JSON.CacheCreationInputTokens, usage.CacheCreationInputTokens),
		CacheReadTokens:     present(usage.JSON.CacheReadInputTokens, usage.CacheReadInputTokens),
	}
}

// deltaUsage maps the cumulative message_delta usage counters.
func deltaUsage(usage anthropic.MessageDeltaUsage) *core.UsageFields {
	fields := &core.UsageFields{
		InputTokens:         present(usage.JSON.InputTokens, usage.InputTokens),
		OutputTokens:        present(usage.JSON.OutputTokens, usage.OutputTokens),
		CacheCreationTokens: present(usage.JSON.CacheCreationInputTokens, usage.CacheCreationInputTokens),
		CacheReadTokens:     present(usage.JSON.CacheReadInputTokens, usage.CacheReadInputTokens),
	}
	if fields.InputTokens == nil && fields.OutputTokens == nil && fields.CacheCreationTokens == nil && fields.CacheReadTokens == nil {
		return nil
	}
	return fields
}

func present(field respjson.Field, value int64) *int {
	if !field.Valid() {
		return nil
	}
	return core.IntPtr(int(value))
}
