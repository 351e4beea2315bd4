package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"nexus3/internal/agent"
	"nexus3/internal/agent/history"
	"nexus3/internal/config"
	"nexus3/internal/llm"
	"nexus3/internal/session"
	"nexus3/internal/telemetry"
	"nexus3/internal/tools"
)

const sqliteFileName = "sessions.db"

// runtime owns everything a command needs beyond the agent itself and
// releases it on Close.
type runtime struct {
	cfg      config.Config
	settings config.ProviderSettings
	logger   *slog.Logger
	mux      *telemetry.Mux
	registry *prometheus.Registry
	store    session.Store
	closers  []io.Closer
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, diag io.Writer) (*runtime, error) {
	settings, err := cfg.ProviderSettings()
	if err != nil {
		return nil, fmt.Errorf("resolve provider settings: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		mux:      telemetry.NewMux(logger),
	}
	rt.attachSinks(diag)

	store, closer, err := buildStore(ctx, cfg.Session, logger)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	rt.store = store
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}
	return rt, nil
}

// attachSinks registers the configured telemetry subscribers in order: raw
// record log, transcript, metrics.
func (r *runtime) attachSinks(diag io.Writer) {
	tc := r.cfg.Telemetry
	if path := strings.TrimSpace(tc.RawLog); path != "" {
		w := r.rotatingFile(path)
		r.mux.Add("raw_log", telemetry.NewRecordSink(w, tc.RawChunks))
	}
	switch path := strings.TrimSpace(tc.Transcript); path {
	case "":
	case "-":
		r.mux.Add("transcript", telemetry.NewTranscriptSink(diag))
	default:
		r.mux.Add("transcript", telemetry.NewTranscriptSink(r.rotatingFile(path)))
	}
	if tc.Metrics {
		r.registry = prometheus.NewRegistry()
		r.mux.Add("metrics", telemetry.NewMetricsSink(r.registry))
	}
}

func (r *runtime) rotatingFile(path string) io.Writer {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.cfg.Telemetry.MaxSizeMB,
		MaxBackups: r.cfg.Telemetry.MaxBackups,
	}
	r.closers = append(r.closers, w)
	return w
}

// newAgent wires provider, tools and history into an agent for sessionID.
func (r *runtime) newAgent(sessionID string, onEvent func(agent.Event)) (*agent.Agent, error) {
	provider, err := buildProviderFromConfig(r.settings, r.mux, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	executor, err := buildToolExecutor(r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build tools: %w", err)
	}
	return agent.New(agent.Config{
		Provider:      provider,
		Model:         r.settings.Model,
		MaxTokens:     r.cfg.Agent.MaxTokens,
		Cache:         r.settings.CacheEnabled,
		History:       buildHistory(r.cfg, r.logger),
		Tools:         executor,
		MaxIterations: r.cfg.Agent.MaxIterations,
		CallTimeout:   r.settings.CallTimeout,
		Store:         r.store,
		SessionID:     sessionID,
		OnEvent:       onEvent,
		Logger:        r.logger,
	})
}

// Close writes the metrics snapshot and closes files and the store.
func (r *runtime) Close() error {
	var errs []error
	if r.registry != nil {
		if err := writeMetrics(r.cfg.Telemetry.MetricsFile, r.registry); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func writeMetrics(path string, gatherer prometheus.Gatherer) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func buildProviderFromConfig(settings config.ProviderSettings, observer llm.Observer, logger *slog.Logger) (llm.Provider, error) {
	if strings.TrimSpace(settings.APIKey) == "" {
		return nil, llm.ErrMissingAPIKey
	}
	return llm.NewProvider(llm.ProviderConfig{
		Dialect:      settings.Dialect,
		APIKey:       settings.APIKey,
		BaseURL:      settings.BaseURL,
		Version:      settings.Version,
		Retry:        settings.Retry,
		ModelPricing: settings.Pricing,
		Observer:     observer,
		Logger:       logger,
	})
}

func buildToolExecutor(cfg config.Config, logger *slog.Logger) (*tools.Executor, error) {
	builtin, err := tools.Builtin(cfg.Agent.Workspace)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	for _, tool := range builtin {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	timeout, err := cfg.ToolTimeout()
	if err != nil {
		return nil, err
	}
	return tools.NewExecutor(registry, tools.ExecutorConfig{
		Concurrency: cfg.Agent.ToolConcurrency,
		Timeout:     timeout,
		Logger:      logger,
	}), nil
}

func buildHistory(cfg config.Config, logger *slog.Logger) *history.Manager {
	var fragments []history.Fragment
	if cfg.Agent.InjectTimestamp {
		fragments = append(fragments, history.Timestamp(history.DefaultTimestampLayout))
	}
	return history.New(history.Config{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Fragments:     fragments,
		WindowTokens:  cfg.Context.WindowTokens,
		ReserveTokens: cfg.Context.ReserveTokens,
		Logger:        logger,
	})
}

func buildStore(ctx context.Context, cfg config.SessionConfig, logger *slog.Logger) (session.Store, io.Closer, error) {
	dir := strings.TrimSpace(cfg.Dir)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create session dir %s: %w", dir, err)
		}
		store, err := session.OpenSQLite(ctx, filepath.Join(dir, sqliteFileName), logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := session.NewFileStore(dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}
