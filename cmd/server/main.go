//go:build unix

// Command server runs the streambridge HTTP server: it stages feature
// sessions, spawns their workers and relays worker events to clients over
// WebSocket or SSE.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agent-racer/streambridge/internal/bridge"
	"github.com/agent-racer/streambridge/internal/config"
	"github.com/agent-racer/streambridge/internal/features"
	"github.com/agent-racer/streambridge/internal/frontend"
	"github.com/agent-racer/streambridge/internal/monitor"
	"github.com/agent-racer/streambridge/internal/orchestrator"
	"github.com/agent-racer/streambridge/internal/results"
	"github.com/agent-racer/streambridge/internal/server"
	"github.com/agent-racer/streambridge/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type flags struct {
	configPath string
	host       string
	port       int
	logLevel   string
	noConsole  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Run the streambridge server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f, logger)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "config.yaml", "path to config file")
	cmd.Flags().StringVar(&f.host, "host", "", "override server host")
	cmd.Flags().IntVar(&f.port, "port", 0, "override server port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&f.noConsole, "no-console", false, "do not serve the browser console at /")
	return cmd
}

// loadConfig reads the config file and applies flag overrides. A missing
// file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadOrDefault(f.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *slog.Logger) error {
	store := results.NewStore(cfg.Results.Dir)
	tracker, err := results.NewTracker(store, logger.With("component", "results"))
	if err != nil {
		return fmt.Errorf("opening results in %s: %w", store.Dir(), err)
	}

	table := session.NewTable()
	orch := orchestrator.New(orchestrator.Deps{
		Registry: session.NewRegistry(session.RegistryOptions{
			TTL:          cfg.Sessions.TTL,
			TombstoneTTL: cfg.Sessions.TombstoneTTL,
		}),
		Table: table,
		Bridge: bridge.New(bridge.Options{
			GracePeriod:   cfg.Bridge.GracePeriod,
			ScannerBuffer: cfg.Bridge.ScannerBuffer,
		}, logger.With("component", "bridge")),
		Recorder: tracker,
		Logger:   logger,
	}, orchestrator.Options{
		SessionTTL:   cfg.Sessions.TTL,
		BufferSize:   cfg.Relay.BufferSize,
		WriteTimeout: cfg.Relay.WriteTimeout,
	})

	for _, feat := range features.FromConfig(cfg) {
		if err := orch.Register(feat); err != nil {
			return err
		}
		logger.Info("feature registered", "feature", feat.Name(), "command", feat.Worker().Command)
	}
	if len(cfg.Features) == 0 {
		logger.Warn("no features configured", "config", f.configPath)
	}

	opts := server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Tracker:        tracker,
		Logger:         logger.With("component", "http"),
	}
	if !f.noConsole {
		opts.Static = frontend.Handler()
	}
	srv := server.New(orch, opts)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mon := monitor.New(table, monitor.NewProcSampler(), cfg.Monitor.SampleInterval, logger.With("component", "monitor"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln, shutdownTimeout)
	})
	g.Go(func() error {
		mon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	// Runs alongside the HTTP shutdown: open SSE streams only end once
	// their sessions are torn down.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "running", len(orch.Running()))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return orch.Shutdown(sctx)
	})

	err = g.Wait()
	tracker.Flush()
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown timed out, some workers may still be running")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
