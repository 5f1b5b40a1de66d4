package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config selects and tunes the storage backend.
type Config struct {
	// Driver is "postgres", "sqlite", or empty/"auto" to detect from URL.
	Driver string

	// URL is the PostgreSQL connection string.
	URL string

	// SQLitePath is the database file for local mode. Defaults to
	// ~/.vitalsync/vitalsync.db.
	SQLitePath string

	// MaxConns caps the PostgreSQL pool.
	MaxConns int

	// AutoMigrate applies the embedded schema after connecting.
	AutoMigrate bool
}

type opener func(ctx context.Context, cfg Config) (Connection, error)

// Driver packages register themselves from init, so a binary only links the
// backends it blank-imports.
var openers = map[Driver]opener{}

// RegisterDriver makes a backend available to NewConnection.
func RegisterDriver(d Driver, open func(ctx context.Context, cfg Config) (Connection, error)) {
	openers[d] = open
}

// NewConnection opens the configured backend and optionally migrates it.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver, err := ResolveDriver(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	open, ok := openers[driver]
	if !ok {
		return nil, fmt.Errorf("%s driver not registered", driver)
	}

	conn, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := conn.Migrate(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrate %s schema: %w", driver, err)
		}
	}
	return conn, nil
}

// LocalPath returns the SQLite file this config points at: SQLitePath, then
// a sqlite:// or file: URL, then DefaultSQLitePath.
func (c Config) LocalPath() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	if rest, ok := strings.CutPrefix(c.URL, "sqlite://"); ok && rest != "" {
		return rest
	}
	if rest, ok := strings.CutPrefix(c.URL, "file:"); ok && rest != "" {
		path, _, _ := strings.Cut(rest, "?")
		return path
	}
	return DefaultSQLitePath()
}

// DefaultSQLitePath returns ~/.vitalsync/vitalsync.db, or a path relative to
// the working directory when the home directory is unknown.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vitalsync", "vitalsync.db")
}

// EnsureDirectory creates the parent directory of path, owner-only since it
// also holds the local encryption key.
func EnsureDirectory(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
