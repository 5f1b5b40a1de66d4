package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/adapter/cli"
	"github.com/felixgeelhaar/vitalsync/internal/app"
	"github.com/felixgeelhaar/vitalsync/pkg/config"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

func main() {
	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// The CLI prints its own progress; logs stay quiet unless asked for.
	level := "warn"
	if os.Getenv("LOG_LEVEL") != "" {
		level = cfg.LogLevel
	}
	logger := observability.LoggerFor("cli", "", level, cfg.LogFormat)
	cli.SetLogger(logger)

	var cliApp *cli.App
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		// version and help still work without a database
		logger.Warn("failed to initialize container", "error", err)
	} else {
		defer container.Close()

		cliApp = cli.NewApp(container.Importer, container.Connections, container.RecordRepo)
		cliApp.SetHealth(container.Health)

		userID, err := uuid.Parse(cfg.UserID)
		if err != nil {
			logger.Error("invalid VITALSYNC_USER_ID", "error", err)
			os.Exit(1)
		}
		cliApp.SetCurrentUserID(userID)
	}

	// Set the CLI app
	cli.SetApp(cliApp)

	// Execute CLI
	cli.Execute(ctx)
}
