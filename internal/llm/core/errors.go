package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest indicates missing or malformed provider request input.
	ErrInvalidRequest = errors.New("invalid llm request")
	// ErrMissingAPIKey indicates missing provider API key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrStreamClosed indicates Next was called on a closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrMalformedFrame indicates a framed wire event whose payload could not be parsed.
	ErrMalformedFrame = errors.New("malformed stream frame")
)

// ProviderHTTPError is returned when a provider answers with a non-2xx status.
type ProviderHTTPError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderHTTPError) Error() string {
	status := http.StatusText(e.StatusCode)
	if status == "" {
		status = "status"
	}
	if e.Type != "" {
		return fmt.Sprintf("provider http %d %s: %s: %s", e.StatusCode, status, e.Type, e.Message)
	}
	return fmt.Sprintf("provider http %d %s: %s", e.StatusCode, status, e.Message)
}

// IsRateLimited reports whether the provider rejected the call with HTTP 429.
func (e *ProviderHTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// AsProviderHTTPError extracts a ProviderHTTPError from err.
func AsProviderHTTPError(err error) (*ProviderHTTPError, bool) {
	var target *ProviderHTTPError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
