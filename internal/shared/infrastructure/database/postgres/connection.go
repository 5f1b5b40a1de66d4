// Package postgres is the server deployment backend, built on pgxpool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/migrations"
)

const connectTimeout = 10 * time.Second

func init() {
	database.RegisterDriver(database.DriverPostgres, NewConnection)
}

// Connection implements database.Connection over a pgx pool.
type Connection struct {
	pool *pgxpool.Pool
}

// NewConnection opens a pool and verifies it with a ping, so a bad URL
// fails at startup instead of on the first import.
func NewConnection(ctx context.Context, cfg database.Config) (database.Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = "vitalsync"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Connection{pool: pool}, nil
}

// Pool exposes the pool to the postgres repositories.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

func (c *Connection) Driver() database.Driver {
	return database.DriverPostgres
}

func (c *Connection) Close() error {
	c.pool.Close()
	return nil
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Migrate applies the embedded PostgreSQL schema.
func (c *Connection) Migrate(ctx context.Context) error {
	return migrations.RunPostgresMigrations(ctx, c.pool)
}
