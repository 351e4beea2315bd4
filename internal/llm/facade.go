package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"nexus3/internal/llm/core"
	anthropicprovider "nexus3/internal/llm/providers/anthropic"
	openaiprovider "nexus3/internal/llm/providers/openai"
)

type (
	// Provider is the public streaming provider contract.
	Provider = core.Provider

	// Stream and its summary are the normalized result of one provider call.
	Stream        = core.Stream
	StreamEvent   = core.StreamEvent
	StreamSummary = core.StreamSummary
	Observer      = core.Observer

	Request     = core.Request
	Message     = core.Message
	ToolCall    = core.ToolCall
	ToolSpec    = core.ToolSpec
	Usage       = core.Usage
	RetryPolicy = core.RetryPolicy

	// ModelPricing configures per-model token prices.
	ModelPricing = core.ModelPricing
)

// Supported wire dialects.
const (
	DialectAnthropic = anthropicprovider.Dialect
	DialectOpenAI    = openaiprovider.Dialect
)

var (
	// ErrInvalidRequest indicates malformed canonical request payloads.
	ErrInvalidRequest = core.ErrInvalidRequest
	// ErrMissingAPIKey indicates missing provider credentials.
	ErrMissingAPIKey = core.ErrMissingAPIKey
	// ErrUnknownDialect is returned for a dialect this build cannot speak.
	ErrUnknownDialect = errors.New("unknown provider dialect")
)

// ProviderConfig selects and configures one adapter.
type ProviderConfig struct {
	Dialect string
	APIKey  string
	BaseURL string
	// Version overrides the anthropic-version header; other dialects ignore it.
	Version      string
	HTTPClient   *http.Client
	Retry        RetryPolicy
	ModelPricing map[string]ModelPricing
	Observer     Observer
	Logger       *slog.Logger
}

// NewProvider builds the adapter for cfg.Dialect. The choice is made once per
// configuration; every event of every call then goes through that adapter.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case DialectAnthropic:
		return anthropicprovider.New(anthropicprovider.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Version:      cfg.Version,
			HTTPClient:   cfg.HTTPClient,
			Retry:        cfg.Retry,
			ModelPricing: cfg.ModelPricing,
			Observer:     cfg.Observer,
			Logger:       cfg.Logger,
		}), nil
	case DialectOpenAI:
		return openaiprovider.New(openaiprovider.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			HTTPClient:   cfg.HTTPClient,
			Retry:        cfg.Retry,
			ModelPricing: cfg.ModelPricing,
			Observer:     cfg.Observer,
			Logger:       cfg.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, cfg.Dialect)
	}
}

// NewToolSpecFromStruct reflects a Go struct into a normalized tool schema.
func NewToolSpecFromStruct(name, description string, schemaStruct any) (ToolSpec, error) {
	return core.NewToolSpecFromStruct(name, description, schemaStruct)
}

// CalculateCost computes token usage cost in USD for a model pricing table.
func CalculateCost(u Usage, p ModelPricing) float64 {
	return core.CalculateCost(u, p)
}
