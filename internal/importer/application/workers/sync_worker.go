// Package workers runs imports in the background.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	importer "github.com/felixgeelhaar/vitalsync/internal/importer/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// DefaultSyncInterval is the default interval between sync cycles.
const DefaultSyncInterval = time.Hour

// DefaultLookbackDays is how many recent days each cycle covers.
const DefaultLookbackDays = 7

// ConnectionLister lists every stored provider connection.
type ConnectionLister interface {
	All(ctx context.Context) ([]conndomain.TokenPair, error)
}

// Runner executes an import.
type Runner interface {
	Run(ctx context.Context, req importer.Request, sink importer.EventSink) (*importer.Outcome, error)
}

// SyncWorkerConfig configures the sync worker.
type SyncWorkerConfig struct {
	Interval     time.Duration
	LookbackDays int
	BatchSize    int
}

// DefaultSyncWorkerConfig returns the default configuration.
func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		Interval:     DefaultSyncInterval,
		LookbackDays: DefaultLookbackDays,
	}
}

// CycleReport counts the outcomes of one sync cycle.
type CycleReport struct {
	Connections int
	Completed   int
	Aborted     int
	Failed      int
}

// SyncWorker periodically imports the most recent days for every
// connection, skipping dates that are already synced.
type SyncWorker struct {
	connections ConnectionLister
	runner      Runner
	config      SyncWorkerConfig
	logger      *slog.Logger
	now         func() time.Time
	running     atomic.Bool
	stopCh      chan struct{}
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(connections ConnectionLister, runner Runner, config SyncWorkerConfig, logger *slog.Logger) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSyncInterval
	}
	if config.LookbackDays <= 0 {
		config.LookbackDays = DefaultLookbackDays
	}
	return &SyncWorker{
		connections: connections,
		runner:      runner,
		config:      config,
		logger:      logger,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Run starts the worker and blocks until context is cancelled or Stop() is called.
func (w *SyncWorker) Run(ctx context.Context) error {
	if w.runner == nil {
		w.logger.Warn("importer not configured, sync worker will not start")
		return nil
	}

	w.running.Store(true)
	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"lookback_days", w.config.LookbackDays,
	)

	// Run immediately on start
	w.SyncOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.running.Store(false)
			w.logger.Info("sync worker stopped (context cancelled)")
			return ctx.Err()
		case <-w.stopCh:
			w.running.Store(false)
			w.logger.Info("sync worker stopped (stop signal)")
			return nil
		case <-ticker.C:
			w.SyncOnce(ctx)
		}
	}
}

// Stop signals the worker to stop gracefully.
func (w *SyncWorker) Stop() {
	if w.running.CompareAndSwap(true, false) {
		close(w.stopCh)
	}
}

// IsRunning returns true if the worker is currently running.
func (w *SyncWorker) IsRunning() bool {
	return w.running.Load()
}

// SyncOnce runs a single cycle over every stored connection.
func (w *SyncWorker) SyncOnce(ctx context.Context) CycleReport {
	var report CycleReport

	pairs, err := w.connections.All(ctx)
	if err != nil {
		w.logger.Error("failed to list connections", "error", err)
		return report
	}
	if len(pairs) == 0 {
		w.logger.Debug("no connections to sync")
		return report
	}

	for _, pair := range pairs {
		if ctx.Err() != nil {
			return report
		}
		report.Connections++
		outcome, err := w.SyncConnection(ctx, pair.UserID, pair.Provider)
		switch {
		case err != nil:
			report.Failed++
		case outcome.State == importer.StateCompleted:
			report.Completed++
		default:
			report.Aborted++
		}
	}

	w.logger.Info("sync cycle completed",
		"connections", report.Connections,
		"completed", report.Completed,
		"aborted", report.Aborted,
		"failed", report.Failed,
	)
	return report
}

// SyncConnection imports the lookback window for one connection.
func (w *SyncWorker) SyncConnection(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*importer.Outcome, error) {
	end := dailymetrics.Day(w.now())
	start := end.AddDate(0, 0, -(w.config.LookbackDays - 1))

	outcome, err := w.runner.Run(ctx, importer.Request{
		UserID:    userID,
		Provider:  provider,
		Start:     start,
		End:       end,
		BatchSize: w.config.BatchSize,
	}, importer.NewLogSink(w.logger))
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, importer.ErrCancelled) {
			level = slog.LevelInfo
		}
		w.logger.Log(ctx, level, "sync failed",
			"user_id", userID,
			"provider", provider,
			"error", err,
		)
		return nil, err
	}

	w.logger.Debug("sync finished",
		"user_id", userID,
		"provider", provider,
		"state", outcome.State,
		"processed", outcome.Counters.Processed,
	)
	return outcome, nil
}
