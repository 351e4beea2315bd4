package openaiprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nexus3/internal/llm/core"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the chat-completions provider. BaseURL may point at any
// server that speaks the same streaming dialect.
type Config struct {
	APIKey       string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	Retry        core.RetryPolicy
	ModelPricing map[string]core.ModelPricing
	Observer     core.Observer
	Logger       *slog.Logger
}

// Provider streams chat completions. Requests are encoded with the go-openai
// types; the raw SSE body goes to the shared stream engine.
type Provider struct {
	apiKey       string
	baseURL      string
	organization string
	httpClient   *http.Client
	retry        core.RetryPolicy
	pricing      map[string]core.ModelPricing
	observer     core.Observer
	logger       *slog.Logger
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	pricing := cfg.ModelPricing
	if pricing == nil {
		pricing = map[string]core.ModelPricing{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Provider{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      baseURL,
		organization: strings.TrimSpace(cfg.Organization),
		httpClient:   httpClient,
		retry:        core.NormalizeRetryPolicy(cfg.Retry),
		pricing:      pricing,
		observer:     cfg.Observer,
		logger:       logger,
	}
}

// Stream opens one streaming chat completion. Non-2xx responses return a
// *core.ProviderHTTPError and are never retried.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (*core.Stream, error) {
	if p == nil {
		return nil, fmt.Errorf("openai provider is nil")
	}
	if p.apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}

	body, err := toChatCompletionBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := core.Retry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		return p.open(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	cfg := core.StreamConfig{
		Dialect:  Dialect,
		Decoder:  NewDecoder(),
		Observer: p.observer,
		Logger:   p.logger.With("model", req.Model),
	}
	if pricing, ok := core.LookupPricing(p.pricing, req.Model); ok {
		cfg.Pricing = pricing
	}
	return core.NewStream(ctx, resp, cfg), nil
}

// open posts body and returns the streaming response once its status is 2xx.
func (p *Provider) open(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.organization)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		wrapped := fmt.Errorf("openai request: %w", err)
		if isRetryableTransportError(err) && !errors.Is(err, context.Canceled) {
			return nil, core.MarkRetryable(wrapped)
		}
		return nil, wrapped
	}
	if resp.StatusCode/100 != 2 {
		return nil, providerErrorFromResponse(resp)
	}
	return resp, nil
}
