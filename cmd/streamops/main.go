package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/streamops/internal/audit"
	"github.com/antonkrylov/streamops/internal/auth"
	"github.com/antonkrylov/streamops/internal/config"
	"github.com/antonkrylov/streamops/internal/dispatch"
	"github.com/antonkrylov/streamops/internal/locate"
	"github.com/antonkrylov/streamops/internal/remote"
	"github.com/antonkrylov/streamops/internal/session"
	"github.com/antonkrylov/streamops/internal/transfer"
)

type rootOptions struct {
	configPath string
	logJSON    bool
	logLevel   string
}

func (r *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch l := strings.ToLower(strings.TrimSpace(r.logLevel)); l {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", r.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if r.logJSON {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "streamops",
		Short:         "Chat-driven restart and recording retrieval for streaming hosts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath(), "path to streamops config file (default $HOME/.streamops/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConsoleCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime holds the transport-independent components built from config.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	executor *remote.Executor
	locator  *locate.Locator
	pipeline *transfer.Pipeline
	store    *session.Store
	audit    audit.Sink
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	regex, err := regexp.Compile(cfg.Media.TimestampRegex)
	if err != nil {
		return nil, fmt.Errorf("media.timestampRegex: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("media.timezone: %w", err)
	}
	executor := newExecutor(cfg, logger)
	sink, err := buildAuditSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		locator: &locate.Locator{
			Runner:   executor,
			Pattern:  cfg.Media.Pattern,
			Regex:    regex,
			Layout:   cfg.Media.TimestampLayout,
			Location: loc,
			Strategy: locate.Strategy(cfg.Media.Strategy),
			Timeout:  cfg.Timeouts.Command,
			Logger:   logger.With("component", "locator"),
		},
		pipeline: &transfer.Pipeline{
			Fetcher:    executor,
			ScratchDir: cfg.Media.ScratchDir,
			Logger:     logger.With("component", "transfer"),
		},
		store: session.NewStore(nil),
		audit: sink,
	}, nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger) *remote.Executor {
	return &remote.Executor{
		Dialer:          remote.SSHDialer{Logger: logger.With("component", "ssh")},
		Logger:          logger.With("component", "executor"),
		ConnectTimeout:  cfg.Timeouts.Connect,
		CommandTimeout:  cfg.Timeouts.Command,
		TransferTimeout: cfg.Timeouts.Transfer,
	}
}

func buildAuditSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	sinks := audit.Multi{audit.LogSink{Logger: logger.With("component", "audit")}}
	if cfg.Audit.File != "" {
		fs, err := audit.OpenFile(cfg.Audit.File)
		if err != nil {
			return nil, fmt.Errorf("audit.file: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if n := cfg.Audit.NATS; n != nil {
		js, err := audit.NewJetStreamSink(ctx, audit.JetStreamOptions{
			URL:      n.URL,
			User:     n.User,
			Password: n.Password,
			Stream:   n.Stream,
			Subject:  n.Subject,
			MaxBytes: n.MaxBytes,
			MaxAge:   n.MaxAge,
		}, logger.With("component", "audit"))
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("audit.nats: %w", err)
		}
		sinks = append(sinks, js)
	}
	return sinks, nil
}

// dispatcher wires a dispatcher that answers through replier and delivers
// files through relay.
func (rt *runtime) dispatcher(replier dispatch.Replier, relay transfer.Relay) (*dispatch.Dispatcher, error) {
	rt.pipeline.Relay = relay
	return dispatch.New(rt.cfg, dispatch.Deps{
		Gate:     auth.NewGate(rt.cfg.Operators),
		Store:    rt.store,
		Executor: rt.executor,
		Locator:  rt.locator,
		Transfer: rt.pipeline,
		Audit:    rt.audit,
		Replier:  replier,
	}, rt.logger.With("component", "dispatch"))
}

func (rt *runtime) Close() error {
	return rt.audit.Close()
}
