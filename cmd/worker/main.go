package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/vitalsync/adapter/api"
	"github.com/felixgeelhaar/vitalsync/internal/app"
	"github.com/felixgeelhaar/vitalsync/pkg/config"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		observability.LoggerFor("worker", "", "", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.LoggerFor("worker", cfg.AppEnv, cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting vitalsync worker")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if !cfg.SyncEnabled {
		logger.Warn("incremental sync disabled, worker only serves health")
	}

	if cfg.WorkerHealthAddr != "" {
		// Health and metrics only; imports run from the schedule.
		healthSrv := api.NewServer(api.ServerConfig{
			Addr:         cfg.WorkerHealthAddr,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, api.Handlers{
			Health:  container.Health,
			Metrics: container.Metrics.Handler(),
		}, logger)

		go func() {
			if err := healthSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	if cfg.SyncEnabled {
		logger.Info("starting sync worker",
			"interval", cfg.SyncInterval,
			"lookback_days", cfg.SyncLookbackDays,
		)
		// Run blocks until ctx is cancelled.
		if err := container.SyncWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync worker error", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("worker stopped")
}
