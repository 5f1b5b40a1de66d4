package database

import "context"

// Connection is an open database handle. Repositories reach the native
// handle through the driver specific accessors (Pool for PostgreSQL, DB for
// SQLite) so each can use the driver's own upsert and scan semantics.
type Connection interface {
	// Close releases the underlying handle.
	Close() error
	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error
	// Driver returns the driver type for this connection.
	Driver() Driver
	// Migrate applies the embedded schema for this driver.
	Migrate(ctx context.Context) error
}
