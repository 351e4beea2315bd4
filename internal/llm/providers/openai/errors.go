package openaiprovider

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

// maxErrorBody bounds how much of an error body is read.
const maxErrorBody = 4096

// providerErrorFromResponse reads and closes the body of a failed response.
// Chat-completions servers report {"error":{"type"|"code","message"}}.
func providerErrorFromResponse(resp *http.Response) *core.ProviderHTTPError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
	}

	out := &core.ProviderHTTPError{StatusCode: resp.StatusCode}
	if gjson.ValidBytes(body) {
		errObj := gjson.GetBytes(body, "error")
		out.Type = errObj.Get("type").String()
		if out.Type == "" {
			out.Type = errObj.Get("code").String()
		}
		out.Message = errObj.Get("message").String()
		if out.Message == "" && errObj.Type == gjson.String {
			out.Message = errObj.String()
		}
	}
	if out.Message == "" {
		out.Message = strings.TrimSpace(string(body))
	}
	if out.Message == "" {
		out.Message = http.StatusText(resp.StatusCode)
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
