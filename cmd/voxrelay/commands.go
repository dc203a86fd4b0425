package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/httpapi"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/tooler"
	"github.com/voxrelay/voxrelay/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// buildServeCmd creates the "serve" command that starts the server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the voxrelay server",
		Long: `Start the voxrelay server.

The server will:
1. Load configuration from the specified YAML file
2. Open the SQLite store and apply the schema
3. Run the recovery sweep and start the pipeline dispatch worker
4. Start the tool run supervisor
5. Serve the HTTP API with health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  voxrelay serve

  # Start with custom config
  voxrelay serve --config /etc/voxrelay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voxrelay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clients := upstream.NewClients(cfg.Upstreams, logger, metrics)
	notifier := upstream.NewNotifier(cfg.Bot, logger, metrics)
	supervisor := tooler.NewSupervisor(cfg.Tooler, logger, metrics)
	dispatcher := pipeline.New(st, clients, notifier, logger, metrics)

	api := httpapi.NewServer(st, dispatcher, supervisor, logger, metrics)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- dispatcher.Run(ctx, cfg.Pipeline.RecoverySweepSchedule)
	}()

	serverDone := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", cfg.Server.Addr())
		serverDone <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "http shutdown", "error", err)
	}

	if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && path == "voxrelay.yaml" {
			// No config file: run on defaults.
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}
