// Package sqlite is the local-mode backend, using the pure Go modernc driver
// so the CLI builds without cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/migrations"
)

// WAL keeps `records` readable while an import writes; the busy timeout
// makes a second process wait for the write lock instead of failing.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func init() {
	database.RegisterDriver(database.DriverSQLite, NewConnection)
}

// Connection implements database.Connection over database/sql.
type Connection struct {
	db *sql.DB
}

// NewConnection opens the database file, creating its directory on demand.
func NewConnection(ctx context.Context, cfg database.Config) (database.Connection, error) {
	path := cfg.LocalPath()
	if path != ":memory:" {
		if err := database.EnsureDirectory(path); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single writer; extra connections would only contend for the lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database %s: %w", path, err)
	}
	return &Connection{db: db}, nil
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// DB exposes the handle to the sqlite repositories.
func (c *Connection) DB() *sql.DB {
	return c.db
}

func (c *Connection) Driver() database.Driver {
	return database.DriverSQLite
}

func (c *Connection) Close() error {
	return c.db.Close()
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Migrate applies the embedded SQLite schema.
func (c *Connection) Migrate(ctx context.Context) error {
	return migrations.RunSQLiteMigrations(ctx, c.db)
}
