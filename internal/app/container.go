package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	"github.com/felixgeelhaar/vitalsync/internal/connections/infrastructure/oauth"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	importer "github.com/felixgeelhaar/vitalsync/internal/importer/application"
	"github.com/felixgeelhaar/vitalsync/internal/importer/application/workers"
	fetching "github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/providers/infrastructure/fitbit"
	"github.com/felixgeelhaar/vitalsync/internal/providers/infrastructure/httpapi"
	"github.com/felixgeelhaar/vitalsync/internal/providers/infrastructure/withings"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database/postgres"
	_ "github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/ratelimit"
	"github.com/felixgeelhaar/vitalsync/pkg/config"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

// keyFileName sits next to the SQLite database when no encryption key is
// configured.
const keyFileName = "vitalsync.key"

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	DBConn         database.Connection
	DBDriver       database.Driver
	RedisClient    *redis.Client
	EventPublisher eventbus.Publisher
	Budget         ratelimit.Budget
	Metrics        *observability.PrometheusMetrics
	Health         *observability.HealthRegistry

	// Repositories
	TokenRepo  conndomain.Repository
	RecordRepo dailymetrics.Repository

	// Providers
	Clients  map[providers.Provider]*httpapi.Client
	Fetchers *fetching.Registry

	// Services
	Connections *connapp.Manager
	Importer    *importer.Importer

	// Workers
	SyncWorker *workers.SyncWorker
}

// NewContainer wires the application from cfg. The database is required;
// Redis and RabbitMQ are optional in development and required elsewhere
// when configured.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewPrometheusMetrics(),
		Health:  observability.NewHealthRegistry(),
	}

	conn, err := database.NewConnection(ctx, c.databaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver()
	c.Health.Register("database", observability.PingChecker("database", true, conn.Ping))
	logger.Info("connected to database", "driver", c.DBDriver)

	if err := c.initInfrastructure(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initServices(); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("container initialized",
		"driver", c.DBDriver,
		"providers", c.Fetchers.Providers(),
		"shared_budget", c.RedisClient != nil,
	)
	return c, nil
}

func (c *Container) initInfrastructure(ctx context.Context) error {
	cfg, logger := c.Config, c.Logger

	// Connect to Redis (optional in development)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			if !cfg.IsDevelopment() {
				return fmt.Errorf("failed to parse Redis URL: %w", err)
			}
			logger.Warn("invalid Redis URL, call budget will be process local", "error", err)
		} else {
			redisClient := redis.NewClient(opt)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				_ = redisClient.Close()
				if !cfg.IsDevelopment() {
					return fmt.Errorf("failed to connect to Redis: %w", err)
				}
				logger.Warn("Redis not available, call budget will be process local", "error", err)
			} else {
				c.RedisClient = redisClient
				logger.Info("connected to Redis")
			}
		}
	}

	if c.RedisClient != nil {
		budget := ratelimit.NewRedisBudget(c.RedisClient, cfg.ProviderHourlyBudget, time.Hour)
		c.Budget = budget
		c.Health.Register("redis", observability.PingChecker("redis", false, budget.Ping))
	} else {
		c.Budget = ratelimit.NewLocalBudget(cfg.ProviderHourlyBudget, time.Hour)
	}

	// Create event publisher
	switch {
	case cfg.RabbitMQURL == "":
		c.EventPublisher = eventbus.NewNoopPublisher(logger)
	default:
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			c.EventPublisher = eventbus.NewNoopPublisher(logger)
		} else {
			c.EventPublisher = publisher
			c.Health.Register("rabbitmq", observability.PingChecker("rabbitmq", false, publisher.Ping))
		}
	}

	return nil
}

func (c *Container) initServices() error {
	cfg, logger := c.Config, c.Logger

	sealer, err := c.newSealer()
	if err != nil {
		return err
	}

	factory := NewRepositoryFactory(c.DBConn)
	if c.TokenRepo, err = factory.TokenRepository(sealer); err != nil {
		return err
	}
	if c.RecordRepo, err = factory.DailyRecordRepository(); err != nil {
		return err
	}

	c.Clients = make(map[providers.Provider]*httpapi.Client, len(providers.AllProviders()))
	for _, p := range providers.AllProviders() {
		c.Clients[p] = httpapi.NewClient(p, httpapi.DefaultBreakerConfig(), logger).
			WithBudget(c.Budget).
			WithMetrics(c.Metrics)
	}
	c.Fetchers = fetching.NewRegistry(fitbit.NewFetchers(c.Clients[providers.ProviderFitbit], cfg.FitbitBaseURL)...)
	c.Fetchers.Register(withings.NewFetchers(c.Clients[providers.ProviderWithings], cfg.WithingsBaseURL)...)

	authorizers, err := c.newAuthorizers()
	if err != nil {
		return err
	}
	c.Connections = connapp.NewManager(c.TokenRepo, authorizers, connapp.ManagerConfig{}, logger, c.Metrics)

	c.Importer = importer.NewImporter(c.Connections, c.Fetchers, c.RecordRepo, importer.Config{
		Backoff: importer.BackoffPolicy{
			FetchDelay:     cfg.ImportFetchDelay,
			EscalatedDelay: cfg.ImportEscalatedDelay,
			NearMissQuota:  cfg.ImportNearMissQuota,
			BatchDelay:     cfg.ImportBatchDelay,
		},
		DefaultBatchSize: cfg.ImportDefaultBatchSize,
	}, logger, c.Metrics).WithPublisher(c.EventPublisher)

	c.SyncWorker = workers.NewSyncWorker(c.Connections, c.Importer, workers.SyncWorkerConfig{
		Interval:     cfg.SyncInterval,
		LookbackDays: cfg.SyncLookbackDays,
		BatchSize:    cfg.ImportDefaultBatchSize,
	}, logger)

	return nil
}

func (c *Container) databaseConfig() database.Config {
	return database.Config{
		Driver:      c.Config.DatabaseDriver,
		URL:         c.Config.DatabaseURL,
		SQLitePath:  c.Config.SQLitePath,
		AutoMigrate: true,
	}
}

// newSealer builds the token sealer from the configured key. Without one,
// SQLite deployments keep a generated key next to the database file;
// PostgreSQL deployments must configure it explicitly.
func (c *Container) newSealer() (crypto.Sealer, error) {
	key := c.Config.EncryptionKey
	if key == "" {
		if c.DBDriver != database.DriverSQLite {
			return nil, fmt.Errorf("VITALSYNC_ENCRYPTION_KEY is required with %s", c.DBDriver)
		}
		path := c.databaseConfig().LocalPath()
		loaded, err := crypto.LoadOrCreateKeyFile(filepath.Join(filepath.Dir(path), keyFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to load local encryption key: %w", err)
		}
		key = loaded
	}
	sealer, err := crypto.NewAESGCMFromBase64Key(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return sealer, nil
}

func (c *Container) newAuthorizers() ([]connapp.Authorizer, error) {
	cfg := c.Config
	var authorizers []connapp.Authorizer

	if cfg.FitbitConfigured() {
		a, err := oauth.NewFitbitAuthorizer(oauth.Config{
			ClientID:     cfg.FitbitClientID,
			ClientSecret: cfg.FitbitClientSecret,
			AuthURL:      cfg.FitbitAuthURL,
			TokenURL:     cfg.FitbitTokenURL,
			RedirectURL:  cfg.FitbitRedirectURL,
			Scopes:       config.ParseScopes(cfg.FitbitScopes),
		})
		if err != nil {
			return nil, fmt.Errorf("fitbit oauth: %w", err)
		}
		authorizers = append(authorizers, a)
	} else {
		c.Logger.Info("fitbit oauth not configured, stored fitbit tokens cannot be refreshed")
	}

	if cfg.WithingsConfigured() {
		a, err := withings.NewAuthorizer(withings.AuthConfig{
			ClientID:     cfg.WithingsClientID,
			ClientSecret: cfg.WithingsClientSecret,
			RedirectURL:  cfg.WithingsRedirectURL,
			AuthURL:      cfg.WithingsAuthURL,
			TokenURL:     cfg.WithingsBaseURL + "/v2/oauth2",
			Scope:        cfg.WithingsScopes,
		})
		if err != nil {
			return nil, fmt.Errorf("withings oauth: %w", err)
		}
		authorizers = append(authorizers, a)
	} else {
		c.Logger.Info("withings oauth not configured, stored withings tokens cannot be refreshed")
	}

	return authorizers, nil
}

// Close releases all resources held by the container.
func (c *Container) Close() {
	if c.SyncWorker != nil && c.SyncWorker.IsRunning() {
		c.SyncWorker.Stop()
		c.Logger.Info("sync worker stopped")
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DBConn != nil {
		if err := c.DBConn.Close(); err != nil {
			c.Logger.Warn("error closing database connection", "error", err, "driver", c.DBDriver)
		} else {
			c.Logger.Info("database connection closed", "driver", c.DBDriver)
		}
	}
}
