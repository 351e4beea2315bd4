package openaiprovider

import (
	"errors"
	"testing"

	"nexus3/internal/llm/core"
)

func TestDecoderSentinelIsTerminalAndUncounted(t *testing.T) {
	t.Parallel()

	got, err := NewDecoder().Decode(core.Frame{Data: []byte("[DONE]")})
	if err != nil {
		t.Fatalf("Decode([DONE]) error = %v", err)
	}
	if !got.Sentinel || len(got.Events) != 1 || got.Events[0].Type != core.EventTerminalStop {
		t.Fatalf("Decode([DONE]) = %#v", got)
	}
}

func TestDecoderIgnoresSecondaryChoicesAndNullFinish(t *testing.T) {
	t.Parallel()

	got, err := NewDecoder().Decode(core.Frame{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"a"},"finish_reason":null},{"index":1,"delta":{"content":"b"},"finish_reason":"stop"}]}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].Type != core.EventContentDelta || got.Events[0].Text != "a" {
		t.Fatalf("events = %#v, want only content from choice 0", got.Events)
	}
}

func TestDecoderInStreamErrorAndMalformed(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	got, err := d.Decode(core.Frame{Data: []byte(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`)})
	if err != nil {
		t.Fatalf("Decode(error) error = %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].Reason != "error" || got.Events[0].Text != "context length exceeded" {
		t.Fatalf("error events = %#v", got.Events)
	}

	if _, err := d.Decode(core.Frame{Data: []byte(`{"choices":[{"delta":`)}); !errors.Is(err, core.ErrMalformedFrame) {
		t.Fatalf("Decode(truncated) error = %v, want ErrMalformedFrame", err)
	}
}
