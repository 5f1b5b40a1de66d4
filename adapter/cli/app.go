package cli

import (
	"context"
	"time"

	"github.com/google/uuid"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	importer "github.com/felixgeelhaar/vitalsync/internal/importer/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

// ImportRunner runs imports.
type ImportRunner interface {
	Run(ctx context.Context, req importer.Request, sink importer.EventSink) (*importer.Outcome, error)
}

// ConnectionService manages provider connections.
type ConnectionService interface {
	Connections(ctx context.Context, userID uuid.UUID) ([]connapp.Connection, error)
	AuthURL(provider providers.Provider, state string) (string, error)
	Connect(ctx context.Context, userID uuid.UUID, provider providers.Provider, code string) (*conndomain.TokenPair, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider providers.Provider) error
}

// RecordReader reads merged daily records.
type RecordReader interface {
	FindRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]dailymetrics.DailyRecord, error)
}

// App holds the CLI application dependencies.
type App struct {
	Imports     ImportRunner
	Connections ConnectionService
	Records     RecordReader
	Health      *observability.HealthRegistry

	// CurrentUserID is the user every command acts for.
	CurrentUserID uuid.UUID
}

// NewApp creates a new CLI application.
func NewApp(imports ImportRunner, connections ConnectionService, records RecordReader) *App {
	return &App{
		Imports:     imports,
		Connections: connections,
		Records:     records,
	}
}

// SetCurrentUserID updates the current user ID.
func (a *App) SetCurrentUserID(id uuid.UUID) {
	a.CurrentUserID = id
}

// SetHealth updates the dependency health registry.
func (a *App) SetHealth(h *observability.HealthRegistry) {
	a.Health = h
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
