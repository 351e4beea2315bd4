package anthropicprovider

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

// maxErrorBody bounds how much of a non-JSON error body is kept.
const maxErrorBody = 4096

// toProviderHTTPError converts an SDK API error into the canonical error.
func toProviderHTTPError(apiErr *anthropic.Error) *core.ProviderHTTPError {
	return providerErrorFromBody(apiErr.StatusCode, []byte(apiErr.RawJSON()))
}

// providerErrorFromResponse reads the body of a failed response.
func providerErrorFromResponse(resp *http.Response) *core.ProviderHTTPError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
	}
	return providerErrorFromBody(resp.StatusCode, body)
}

// providerErrorFromBody extracts {"error":{"type","message"}} when present.
func providerErrorFromBody(status int, body []byte) *core.ProviderHTTPError {
	out := &core.ProviderHTTPError{StatusCode: status}
	if gjson.ValidBytes(body) {
		out.Type = gjson.GetBytes(body, "error.type").String()
		out.Message = gjson.GetBytes(body, "error.message").String()
	}
	if out.Message == "" {
		out.Message = strings.TrimSpace(string(body))
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// isRetryableTransportError identifies failures where no response was read.
func isRetryableTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
