package database

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Driver names a storage backend.
type Driver string

const (
	// DriverPostgres is the server deployment backend.
	DriverPostgres Driver = "postgres"
	// DriverSQLite is the single-user local backend.
	DriverSQLite Driver = "sqlite"
)

func (d Driver) String() string {
	return string(d)
}

var sqliteExtensions = map[string]bool{".db": true, ".sqlite": true, ".sqlite3": true}

// DetectDriver infers the backend from a connection string. An empty URL
// selects SQLite so the CLI works without any configuration.
func DetectDriver(url string) Driver {
	scheme, _, found := strings.Cut(url, "://")
	switch {
	case url == "":
		return DriverSQLite
	case found && (scheme == "postgres" || scheme == "postgresql"):
		return DriverPostgres
	case found && scheme == "sqlite", strings.HasPrefix(url, "file:"):
		return DriverSQLite
	case sqliteExtensions[strings.ToLower(filepath.Ext(url))]:
		return DriverSQLite
	}
	return DriverPostgres
}

// ResolveDriver returns the explicitly configured driver, or the detected
// one when name is empty or "auto".
func ResolveDriver(name, url string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return DetectDriver(url), nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}
