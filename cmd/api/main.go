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
		observability.LoggerFor("api", "", "", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.LoggerFor("api", cfg.AppEnv, cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting vitalsync api")

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

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.APIAddr
	server := api.NewServer(serverCfg, api.Handlers{
		Imports:     api.NewImportHandler(container.Importer, logger),
		Connections: api.NewConnectionsHandler(container.Connections, logger),
		Records:     api.NewRecordsHandler(container.RecordRepo, logger),
		Health:      container.Health,
		Metrics:     container.Metrics.Handler(),
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("api server error", "error", err)
		cancel()
	}

	// Running import streams get a grace period to reach their next
	// terminal event.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", "error", err)
	}

	logger.Info("api stopped")
}
