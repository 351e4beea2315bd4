package anthropicprovider

import (
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

// Dialect names the message-lifecycle wire format in summaries and telemetry.
const Dialect = "anthropic"

// lifecycleDecoder maps message-lifecycle events into normalized events. It
// remembers which content block indices are tool_use blocks so their
// content_block_stop can close the matching tool call.
type lifecycleDecoder struct {
	toolBlocks map[int]bool
}

// NewDecoder returns a decoder for one message-lifecycle stream.
func NewDecoder() core.Decoder {
	return &lifecycleDecoder{toolBlocks: map[int]bool{}}
}

func (d *lifecycleDecoder) Decode(frame core.Frame) (core.Decoded, error) {
	if !gjson.ValidBytes(frame.Data) {
		return core.Decoded{}, fmt.Errorf("%w: %s frame is not json", core.ErrMalformedFrame, frame.Event)
	}

	kind := gjson.GetBytes(frame.Data, "type").String()
	if kind == "" {
		kind = frame.Event
	}
	switch kind {
	case "ping":
		return core.Decoded{}, nil
	case "error":
		// Mid-stream errors carry no terminal marker; the stream ends when the
		// server closes the connection.
		return core.Decoded{Events: []core.StreamEvent{{
			Type:   core.EventFinishReason,
			Reason: "error",
			Text:   gjson.GetBytes(frame.Data, "error.message").String(),
		}}}, nil
	}

	var event anthropic.MessageStreamEventUnion
	if err := event.UnmarshalJSON(frame.Data); err != nil {
		return core.Decoded{}, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}

	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return decoded(core.StreamEvent{Type: core.EventRawUsage, Usage: startUsage(variant.Message.Usage)}), nil

	case anthropic.ContentBlockStartEvent:
		index := int(variant.Index)
		switch block := variant.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			if block.Text == "" {
				return core.Decoded{}, nil
			}
			return decoded(core.StreamEvent{Type: core.EventContentDelta, Index: index, Text: block.Text}), nil
		case anthropic.ToolUseBlock:
			d.toolBlocks[index] = true
			events := []core.StreamEvent{{Type: core.EventToolCallStart, Index: index, ID: block.ID, Name: block.Name}}
			if input := string(block.Input); input != "" && input != "{}" {
				events = append(events, core.StreamEvent{Type: core.EventToolCallArgsDelta, Index: index, Text: input})
			}
			return core.Decoded{Events: events}, nil
		default:
			return core.Decoded{}, nil
		}

	case anthropic.ContentBlockDeltaEvent:
		index := int(variant.Index)
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return decoded(core.StreamEvent{Type: core.EventContentDelta, Index: index, Text: delta.Text}), nil
		case anthropic.InputJSONDelta:
			return decoded(core.StreamEvent{Type: core.EventToolCallArgsDelta, Index: index, Text: delta.PartialJSON}), nil
		default:
			return core.Decoded{}, nil
		}

	case anthropic.ContentBlockStopEvent:
		index := int(variant.Index)
		if !d.toolBlocks[index] {
			return core.Decoded{}, nil
		}
		delete(d.toolBlocks, index)
		return decoded(core.StreamEvent{Type: core.EventToolCallEnd, Index: index}), nil

	case anthropic.MessageDeltaEvent:
		// The stop reason lives on message_delta; message_stop never carries it.
		events := make([]core.StreamEvent, 0, 2)
		if reason := string(variant.Delta.StopReason); reason != "" {
			events = append(events, core.StreamEvent{Type: core.EventFinishReason, Reason: reason})
		}
		if usage := deltaUsage(variant.Usage); usage != nil {
			events = append(events, core.StreamEvent{Type: core.EventRawUsage, Usage: usage})
		}
		return core.Decoded{Events: events}, nil

	case anthropic.MessageStopEvent:
		return decoded(core.StreamEvent{Type: core.EventTerminalStop}), nil
	}

	return core.Decoded{}, nil
}

func decoded(event core.StreamEvent) core.Decoded {
	return core.Decoded{Events: []core.StreamEvent{event}}
}
