package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nexus3/internal/config"
	"nexus3/internal/session"
	"nexus3/internal/tui"
)

const version = "v0.1.0"

var errResumeNeedsSession = errors.New("--resume requires --session")

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "nexus3: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd(out, diag io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "nexus3",
		Short:         "nexus3 is a streaming LLM agent runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(diag)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to stderr")

	cmd.AddCommand(newRunCmd(opts, out, diag), newSessionsCmd(opts, out, diag))
	return cmd
}

func (o *rootOptions) load(diag io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(o.configPath)})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(diag, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func newRunCmd(opts *rootOptions, out, diag io.Writer) *cobra.Command {
	var (
		sessionID string
		resume    bool
	)

	cmd := &cobra.Command{
		Use:   "run [--session ID] [--resume] PROMPT",
		Short: "Run one agent turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if resume && strings.TrimSpace(sessionID) == "" {
				return errResumeNeedsSession
			}
			cfg, logger, err := opts.load(diag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger, diag)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := rt.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			printer := tui.NewPrinter(out, diag, tui.ResolveTheme(cfg.Telemetry.Theme))
			ag, err := rt.newAgent(sessionID, printer.Handle)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}
			if resume {
				dropped, err := ag.Resume(ctx, sessionID)
				if err != nil {
					return fmt.Errorf("resume session: %w", err)
				}
				if dropped > 0 {
					logger.Warn("dropped messages on resume", "session_id", sessionID, "dropped", dropped)
				}
			}

			outcome, err := ag.Turn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			usage := ag.History().Usage(time.Now())
			status := tui.NewStatusModel(version, rt.settings.Model, ag.ID())
			status.Reason = outcome.Reason
			status.Iterations = outcome.Iterations
			status.ContextTokens = usage.WindowTokens
			status.ContextBudget = usage.Budget
			printer.Status(status)

			if outcome.Reason.Abnormal() {
				return fmt.Errorf("turn halted: %s", outcome.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to save into (new ID when empty)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Load the session before running")
	return cmd
}

func newSessionsCmd(opts *rootOptions, out, diag io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, diag, func(ctx context.Context, store session.Store, cfg config.Config) error {
				infos, err := store.List(ctx)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				_, err = fmt.Fprintln(out, tui.RenderSessionList(infos, tui.ResolveTheme(cfg.Telemetry.Theme)))
				return err
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rm ID",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, diag, func(ctx context.Context, store session.Store, _ config.Config) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("delete session: %w", err)
				}
				return nil
			})
		},
	})
	return cmd
}

func withStore(ctx context.Context, opts *rootOptions, diag io.Writer, fn func(context.Context, session.Store, config.Config) error) error {
	cfg, logger, err := opts.load(diag)
	if err != nil {
		return err
	}
	store, closer, err := buildStore(ctx, cfg.Session, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	return fn(ctx, store, cfg)
}
