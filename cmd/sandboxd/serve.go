package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/sandbox/pkg/actor"
	"github.com/nstogner/sandbox/pkg/config"
	"github.com/nstogner/sandbox/pkg/registry"
	"github.com/nstogner/sandbox/pkg/server"
	"github.com/nstogner/sandbox/pkg/step"
	"github.com/nstogner/sandbox/pkg/step/gemini"
	"github.com/nstogner/sandbox/pkg/store/sqlite"
	"github.com/nstogner/sandbox/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long: `Start the session server.

Examples:
  sandboxd serve                       # Listen on :8080 with data/sandbox.db
  sandboxd serve --config sandboxd.yaml
  sandboxd serve --addr :9000 --db /var/lib/sandbox.db`,
	RunE: runServe,
}

var (
	serveConfig   string
	serveAddr     string
	serveDB       string
	serveLogLevel string
	serveStrict   bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&serveStrict, "strict-context", false, "Drop context ids that name no message")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveDB != "" {
		cfg.DBPath = serveDB
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}
	if cmd.Flags().Changed("strict-context") {
		cfg.StrictContext = serveStrict
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}

	// Setup logger.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics.
	shutdownMetrics, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("Failed to flush metrics", "error", err)
		}
	}()
	metrics := telemetry.Default()

	// Initialize store.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	// Initialize step executor.
	var executor step.Executor = step.Unimplemented{}
	if cfg.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return fmt.Errorf("failed to initialize Gemini executor: %w", err)
		}
		executor = g
	} else {
		slog.Warn("GEMINI_API_KEY not set, step execution is disabled")
	}

	router := actor.NewRouter(actor.Deps{
		Store:    store,
		Registry: registry.New(metrics),
		Executor: executor,
		Metrics:  metrics,
	}, actor.Config{
		Defaults:      cfg.SessionDefaults(),
		StepTimeout:   cfg.StepTimeout,
		StrictContext: cfg.StrictContext,
	})
	defer router.Close()

	// Evict idle sessions in background.
	go func() {
		interval := max(cfg.IdleTimeout/4, time.Second)
		if err := router.Run(ctx, interval, cfg.IdleTimeout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Reaper stopped unexpectedly", "error", err)
		}
	}()

	srv := server.New(router, store, server.Options{SendBuffer: cfg.SendBuffer})
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Addr) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
