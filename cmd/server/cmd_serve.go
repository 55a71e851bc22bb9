package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/api"
	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/internal/engine"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/journal"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd runs the HTTP/WebSocket API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the evaluation API",
	Long: `Start the HTTP API and WebSocket stream. Decisions are journaled to a Redis
stream when redis.enabled is set.

Examples:
  regime-engine serve
  regime-engine serve --config config.yaml
  REGIME_SERVER_PORT=9090 regime-engine serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel)
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := metrics.New()
	bus := events.NewBus(logger, events.DefaultBusConfig())
	defer bus.Stop()

	opts := []engine.Option{engine.WithBus(bus), engine.WithMetrics(recorder)}
	var recent api.RecentReader
	if cfg.Redis.Enabled {
		j, err := journal.Dial(ctx, logger, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting decision journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, engine.WithJournal(j))
		recent = j
		logger.Info("Decision journal enabled", zap.String("stream", j.Stream()))
	}

	eng, err := engine.New(logger, cfg, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	hub := api.NewHub(logger)
	hub.Attach(bus)
	go hub.Run()

	server := api.NewServer(logger, cfg.Server, eng, hub, recorder, recent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	stats := eng.Stats()
	logger.Info("Engine stopped",
		zap.Int64("cycles", stats.Cycles),
		zap.Int64("proposals", stats.Proposals),
		zap.Int64("failures", stats.Failures))
	return nil
}
