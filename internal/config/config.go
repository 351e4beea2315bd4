package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"nexus3/internal/llm/core"
)

const (
	DialectAnthropic = "anthropic"
	DialectOpenAI    = "openai"

	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

const (
	defaultProviderName       = DialectAnthropic
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicVersion   = "2023-06-01"
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultRetryMaxRetries    = 3
	defaultRetryBaseDelay     = "300ms"
	defaultRetryMaxDelay      = "5s"
	defaultCallTimeout        = "5m"
	defaultMaxIterations      = 25
	defaultMaxTokens          = 4096
	defaultToolConcurrency    = 4
	defaultToolTimeout        = "2m"
	defaultWindowTokens       = 200_000
	defaultReserveTokens      = 8_192
	defaultRawLogMaxSizeMB    = 50
	defaultRawLogMaxBackups   = 3
	defaultConfigRelativePath = ".config/nexus3/config.toml"
	defaultDataRelativePath   = ".local/share/nexus3"
)

const (
	envProviderDefault   = "NEXUS3_PROVIDER"
	envAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	envAnthropicModel    = "NEXUS3_ANTHROPIC_MODEL"
	envAnthropicBaseURL  = "NEXUS3_ANTHROPIC_BASE_URL"
	envOpenAIAPIKey      = "OPENAI_API_KEY"
	envOpenAIModel       = "NEXUS3_OPENAI_MODEL"
	envOpenAIBaseURL     = "NEXUS3_OPENAI_BASE_URL"
	envCacheEnabled      = "NEXUS3_CACHE_ENABLED"
	envCallTimeout       = "NEXUS3_CALL_TIMEOUT"
	envMaxIterations     = "NEXUS3_MAX_ITERATIONS"
	envWindowTokens      = "NEXUS3_WINDOW_TOKENS"
	envSessionBackend    = "NEXUS3_SESSION_BACKEND"
	envSessionDir        = "NEXUS3_SESSION_DIR"
	envRawLog            = "NEXUS3_RAW_LOG"
	envMetrics           = "NEXUS3_METRICS"
	envTranscript        = "NEXUS3_TRANSCRIPT"
	envAgentSystemPrompt = "NEXUS3_SYSTEM_PROMPT"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Provider  ProviderConfig  `toml:"provider"`
	Agent     AgentConfig     `toml:"agent"`
	Context   ContextConfig   `toml:"context"`
	Session   SessionConfig   `toml:"session"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ProviderConfig configures model providers.
type ProviderConfig struct {
	Default string `toml:"default"`
	// CacheEnabled adds cache hints on dialects that take them.
	CacheEnabled bool                         `toml:"cache_enabled"`
	CallTimeout  string                       `toml:"call_timeout"`
	Anthropic    DialectConfig                `toml:"anthropic"`
	OpenAI       DialectConfig                `toml:"openai"`
	Pricing      map[string]core.ModelPricing `toml:"pricing"`
}

// DialectConfig configures one provider dialect.
type DialectConfig struct {
	APIKey  string      `toml:"api_key"`
	Model   string      `toml:"model"`
	BaseURL string      `toml:"base_url"`
	Version string      `toml:"version"`
	Retry   RetryConfig `toml:"retry"`
}

// RetryConfig stores retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// AgentConfig configures the tool loop.
type AgentConfig struct {
	MaxIterations   int    `toml:"max_iterations"`
	MaxTokens       int    `toml:"max_tokens"`
	ToolConcurrency int    `toml:"tool_concurrency"`
	ToolTimeout     string `toml:"tool_timeout"`
	SystemPrompt    string `toml:"system_prompt"`
	InjectTimestamp bool   `toml:"inject_timestamp"`
	// Workspace confines the builtin tools; empty means the working directory.
	Workspace string `toml:"workspace"`
}

// ContextConfig configures context window truncation.
type ContextConfig struct {
	WindowTokens  int `toml:"window_tokens"`
	ReserveTokens int `toml:"reserve_tokens"`
}

// SessionConfig configures persistence.
type SessionConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

// TelemetryConfig configures the raw stream log subscribers.
type TelemetryConfig struct {
	RawLog     string `toml:"raw_log"`
	RawChunks  bool   `toml:"raw_chunks"`
	Transcript string `toml:"transcript"`
	Metrics    bool   `toml:"metrics"`
	// MetricsFile receives the prometheus text exposition after each run.
	MetricsFile string `toml:"metrics_file"`
	MaxSizeMB   int    `toml:"max_size_mb"`
	MaxBackups  int    `toml:"max_backups"`
	// Theme selects the terminal styles: dark, light or plain.
	Theme string `toml:"theme"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// ProviderSettings is the validated runtime snapshot of the active dialect.
type ProviderSettings struct {
	Dialect      string
	APIKey       string
	Model        string
	BaseURL      string
	Version      string
	Retry        core.RetryPolicy
	CacheEnabled bool
	CallTimeout  time.Duration
	Pricing      map[string]core.ModelPricing
}

// Default returns application defaults.
func Default() Config {
	retry := RetryConfig{
		MaxRetries: defaultRetryMaxRetries,
		BaseDelay:  defaultRetryBaseDelay,
		MaxDelay:   defaultRetryMaxDelay,
	}
	return Config{
		Provider: ProviderConfig{
			Default:     defaultProviderName,
			CallTimeout: defaultCallTimeout,
			Anthropic: DialectConfig{
				Model:   defaultAnthropicModel,
				Version: defaultAnthropicVersion,
				Retry:   retry,
			},
			OpenAI: DialectConfig{
				Model: defaultOpenAIModel,
				Retry: retry,
			},
		},
		Agent: AgentConfig{
			MaxIterations:   defaultMaxIterations,
			MaxTokens:       defaultMaxTokens,
			ToolConcurrency: defaultToolConcurrency,
			ToolTimeout:     defaultToolTimeout,
			InjectTimestamp: true,
		},
		Context: ContextConfig{
			WindowTokens:  defaultWindowTokens,
			ReserveTokens: defaultReserveTokens,
		},
		Session: SessionConfig{
			Backend: BackendJSONL,
			Dir:     defaultDataPath("sessions"),
		},
		Telemetry: TelemetryConfig{
			MetricsFile: defaultDataPath("metrics.prom"),
			MaxSizeMB:   defaultRawLogMaxSizeMB,
			MaxBackups:  defaultRawLogMaxBackups,
			Theme:       "dark",
		},
	}
}

// Load reads config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProviderSettings returns validated settings for the default dialect.
func (c Config) ProviderSettings() (ProviderSettings, error) {
	dialect := strings.ToLower(strings.TrimSpace(c.Provider.Default))
	var selected DialectConfig
	switch dialect {
	case DialectAnthropic:
		selected = c.Provider.Anthropic
	case DialectOpenAI:
		selected = c.Provider.OpenAI
	default:
		return ProviderSettings{}, fmt.Errorf("%w: unknown provider.default %q", ErrInvalidConfig, c.Provider.Default)
	}

	retry, err := selected.Retry.policy(dialect)
	if err != nil {
		return ProviderSettings{}, err
	}
	callTimeout, err := parseOptionalDuration(c.Provider.CallTimeout, "provider.call_timeout")
	if err != nil {
		return ProviderSettings{}, err
	}

	return ProviderSettings{
		Dialect:      dialect,
		APIKey:       strings.TrimSpace(selected.APIKey),
		Model:        strings.TrimSpace(selected.Model),
		BaseURL:      strings.TrimSpace(selected.BaseURL),
		Version:      strings.TrimSpace(selected.Version),
		Retry:        retry,
		CacheEnabled: c.Provider.CacheEnabled,
		CallTimeout:  callTimeout,
		Pricing:      c.Provider.Pricing,
	}, nil
}

// ToolTimeout returns the parsed per-call tool timeout.
func (c Config) ToolTimeout() (time.Duration, error) {
	return parseOptionalDuration(c.Agent.ToolTimeout, "agent.tool_timeout")
}

func (r RetryConfig) policy(dialect string) (core.RetryPolicy, error) {
	if r.MaxRetries < 0 {
		return core.RetryPolicy{}, fmt.Errorf("%w: %s retry max_retries must be >= 0", ErrInvalidConfig, dialect)
	}
	baseDelay, err := time.ParseDuration(strings.TrimSpace(r.BaseDelay))
	if err != nil {
		return core.RetryPolicy{}, fmt.Errorf("%w: parse %s retry base_delay: %v", ErrInvalidConfig, dialect, err)
	}
	maxDelay, err := time.ParseDuration(strings.TrimSpace(r.MaxDelay))
	if err != nil {
		return core.RetryPolicy{}, fmt.Errorf("%w: parse %s retry max_delay: %v", ErrInvalidConfig, dialect, err)
	}
	return core.RetryPolicy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}, nil
}

func parseOptionalDuration(value, field string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must be >= 0", ErrInvalidConfig, field)
	}
	return d, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(envProviderDefault, &cfg.Provider.Default)
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	setString(envAnthropicModel, &cfg.Provider.Anthropic.Model)
	setString(envAnthropicBaseURL, &cfg.Provider.Anthropic.BaseURL)
	if value, ok := os.LookupEnv(envOpenAIAPIKey); ok {
		cfg.Provider.OpenAI.APIKey = value
	}
	setString(envOpenAIModel, &cfg.Provider.OpenAI.Model)
	setString(envOpenAIBaseURL, &cfg.Provider.OpenAI.BaseURL)
	setString(envCallTimeout, &cfg.Provider.CallTimeout)
	setString(envSessionBackend, &cfg.Session.Backend)
	setString(envSessionDir, &cfg.Session.Dir)
	setString(envRawLog, &cfg.Telemetry.RawLog)
	setString(envTranscript, &cfg.Telemetry.Transcript)
	setString(envAgentSystemPrompt, &cfg.Agent.SystemPrompt)

	if err := setBool(envCacheEnabled, &cfg.Provider.CacheEnabled); err != nil {
		return err
	}
	if err := setBool(envMetrics, &cfg.Telemetry.Metrics); err != nil {
		return err
	}
	if err := setInt(envMaxIterations, &cfg.Agent.MaxIterations); err != nil {
		return err
	}
	if err := setInt(envWindowTokens, &cfg.Context.WindowTokens); err != nil {
		return err
	}
	return nil
}

func setString(key string, dst *string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func setBool(key string, dst *bool) error {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = parsed
	return nil
}

func setInt(key string, dst *int) error {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = parsed
	return nil
}

func validate(cfg Config) error {
	settings, err := cfg.ProviderSettings()
	if err != nil {
		return err
	}
	if settings.Model == "" {
		return fmt.Errorf("%w: provider.%s.model is required", ErrInvalidConfig, settings.Dialect)
	}
	if cfg.Agent.MaxIterations <= 0 {
		return fmt.Errorf("%w: agent.max_iterations must be > 0", ErrInvalidConfig)
	}
	if cfg.Agent.MaxTokens < 0 {
		return fmt.Errorf("%w: agent.max_tokens must be >= 0", ErrInvalidConfig)
	}
	if cfg.Agent.ToolConcurrency < 0 {
		return fmt.Errorf("%w: agent.tool_concurrency must be >= 0", ErrInvalidConfig)
	}
	if _, err := cfg.ToolTimeout(); err != nil {
		return err
	}
	if cfg.Context.WindowTokens < 0 || cfg.Context.ReserveTokens < 0 {
		return fmt.Errorf("%w: context token sizes must be >= 0", ErrInvalidConfig)
	}
	if cfg.Context.WindowTokens > 0 && cfg.Context.ReserveTokens >= cfg.Context.WindowTokens {
		return fmt.Errorf("%w: context.reserve_tokens must be below context.window_tokens", ErrInvalidConfig)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Backend)) {
	case BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown session.backend %q", ErrInvalidConfig, cfg.Session.Backend)
	}
	if strings.TrimSpace(cfg.Session.Dir) == "" {
		return fmt.Errorf("%w: session.dir is required", ErrInvalidConfig)
	}
	if cfg.Telemetry.MaxSizeMB < 0 || cfg.Telemetry.MaxBackups < 0 {
		return fmt.Errorf("%w: telemetry rotation limits must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nexus3", name)
	}
	return filepath.Join(home, defaultDataRelativePath, name)
}
