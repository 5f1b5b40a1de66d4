package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv        string
	LogLevel      string
	LogFormat     string
	UserID        string
	EncryptionKey string

	// Database
	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string
	LocalMode      bool

	// Redis backs the shared provider call budget.
	RedisURL string

	// RabbitMQ receives import run summaries.
	RabbitMQURL string

	// HTTP
	APIAddr          string
	WorkerHealthAddr string

	// Fitbit
	FitbitClientID     string
	FitbitClientSecret string
	FitbitRedirectURL  string
	FitbitScopes       string
	FitbitBaseURL      string
	FitbitAuthURL      string
	FitbitTokenURL     string

	// Withings
	WithingsClientID     string
	WithingsClientSecret string
	WithingsRedirectURL  string
	WithingsScopes       string
	WithingsBaseURL      string
	WithingsAuthURL      string

	// Import
	ImportFetchDelay       time.Duration
	ImportEscalatedDelay   time.Duration
	ImportBatchDelay       time.Duration
	ImportDefaultBatchSize int
	ImportNearMissQuota    int
	ProviderHourlyBudget   int

	// Incremental sync worker
	SyncEnabled      bool
	SyncInterval     time.Duration
	SyncLookbackDays int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	databaseURL := getEnv("DATABASE_URL", "")
	localMode := getBoolEnv("VITALSYNC_LOCAL_MODE", databaseURL == "")

	driver := getEnv("DATABASE_DRIVER", "")
	if localMode {
		driver = "sqlite"
	} else if driver == "" {
		driver = "postgres"
	}

	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		UserID:        getEnv("VITALSYNC_USER_ID", "00000000-0000-0000-0000-000000000001"),
		EncryptionKey: getEnv("VITALSYNC_ENCRYPTION_KEY", ""),

		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		SQLitePath:     getEnv("SQLITE_PATH", ""),
		LocalMode:      localMode,

		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		APIAddr:          getEnv("API_ADDR", "0.0.0.0:8080"),
		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),

		FitbitClientID:     getEnv("FITBIT_CLIENT_ID", ""),
		FitbitClientSecret: getEnv("FITBIT_CLIENT_SECRET", ""),
		FitbitRedirectURL:  getEnv("FITBIT_REDIRECT_URL", "http://localhost:8080/oauth/fitbit/callback"),
		FitbitScopes:       getEnv("FITBIT_SCOPES", "activity,heartrate,sleep,weight"),
		FitbitBaseURL:      getEnv("FITBIT_BASE_URL", "https://api.fitbit.com"),
		FitbitAuthURL:      getEnv("FITBIT_AUTH_URL", "https://www.fitbit.com/oauth2/authorize"),
		FitbitTokenURL:     getEnv("FITBIT_TOKEN_URL", "https://api.fitbit.com/oauth2/token"),

		WithingsClientID:     getEnv("WITHINGS_CLIENT_ID", ""),
		WithingsClientSecret: getEnv("WITHINGS_CLIENT_SECRET", ""),
		WithingsRedirectURL:  getEnv("WITHINGS_REDIRECT_URL", "http://localhost:8080/oauth/withings/callback"),
		WithingsScopes:       getEnv("WITHINGS_SCOPES", "user.metrics,user.activity"),
		WithingsBaseURL:      getEnv("WITHINGS_BASE_URL", "https://wbsapi.withings.net"),
		WithingsAuthURL:      getEnv("WITHINGS_AUTH_URL", "https://account.withings.com/oauth2_user/authorize2"),

		ImportFetchDelay:       getDurationEnv("IMPORT_FETCH_DELAY", 1500*time.Millisecond),
		ImportEscalatedDelay:   getDurationEnv("IMPORT_ESCALATED_DELAY", 4*time.Second),
		ImportBatchDelay:       getDurationEnv("IMPORT_BATCH_DELAY", 2*time.Second),
		ImportDefaultBatchSize: getIntEnv("IMPORT_DEFAULT_BATCH_SIZE", 5),
		ImportNearMissQuota:    getIntEnv("IMPORT_NEAR_MISS_QUOTA", 10),
		ProviderHourlyBudget:   getIntEnv("PROVIDER_HOURLY_BUDGET", 150),

		SyncEnabled:      getBoolEnv("SYNC_ENABLED", true),
		SyncInterval:     getDurationEnv("SYNC_INTERVAL", time.Hour),
		SyncLookbackDays: getIntEnv("SYNC_LOOKBACK_DAYS", 7),
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IsLocalMode returns true when the SQLite backend is in use.
func (c *Config) IsLocalMode() bool {
	return c.LocalMode
}

// FitbitConfigured reports whether Fitbit OAuth credentials are present.
func (c *Config) FitbitConfigured() bool {
	return c.FitbitClientID != "" && c.FitbitClientSecret != ""
}

// WithingsConfigured reports whether Withings OAuth credentials are present.
func (c *Config) WithingsConfigured() bool {
	return c.WithingsClientID != "" && c.WithingsClientSecret != ""
}

// ParseScopes parses a comma-separated list of scopes.
func ParseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
