package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nexus3/internal/llm/core"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey       string
	BaseURL      string
	Version      string
	HTTPClient   *http.Client
	Retry        core.RetryPolicy
	ModelPricing map[string]core.ModelPricing
	Observer     core.Observer
	Logger       *slog.Logger
}

// Provider streams the Messages API through the official SDK client. The SDK
// builds and sends the request; the response body is handed to the shared
// stream engine unparsed.
type Provider struct {
	apiKey   string
	retry    core.RetryPolicy
	pricing  map[string]core.ModelPricing
	observer core.Observer
	logger   *slog.Logger

	client anthropic.Client
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	version := strings.TrimSpace(cfg.Version)

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

	apiKey := strings.TrimSpace(cfg.APIKey)
	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0), // explicit retry behavior in this package
	}
	if baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}
	if version != "" {
		clientOptions = append(clientOptions, option.WithHeader("anthropic-version", version))
	}

	return &Provider{
		apiKey:   apiKey,
		retry:    core.NormalizeRetryPolicy(cfg.Retry),
		pricing:  pricing,
		observer: cfg.Observer,
		logger:   logger,
		client:   anthropic.NewClient(clientOptions...),
	}
}

// Stream opens one Messages API stream. Non-2xx responses return a
// *core.ProviderHTTPError and are never retried; connection failures before
// a response arrives are retried per the configured policy.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (*core.Stream, error) {
	if p == nil {
		return nil, fmt.Errorf("anthropic provider is nil")
	}
	if p.apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}

	params, err := toAnthropicSDKParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := core.Retry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		return p.open(ctx, params)
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

// open issues the request and returns the raw streaming response.
func (p *Provider) open(ctx context.Context, params anthropic.MessageNewParams) (*http.Response, error) {
	var raw *http.Response
	err := p.client.Post(ctx, "v1/messages", params, &raw, option.WithJSONSet("stream", true))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, toProviderHTTPError(apiErr)
		}
		if raw != nil && raw.StatusCode >= http.StatusBadRequest {
			return nil, providerErrorFromResponse(raw)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		wrapped := fmt.Errorf("anthropic request: %w", err)
		if isRetryableTransportError(err) {
			return nil, core.MarkRetryable(wrapped)
		}
		return nil, wrapped
	}
	if raw == nil {
		return nil, fmt.Errorf("anthropic request: empty response")
	}
	if raw.StatusCode/100 != 2 {
		return nil, providerErrorFromResponse(raw)
	}
	return raw, nil
}
