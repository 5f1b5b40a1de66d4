package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		url      string
		expected Driver
	}{
		{"", DriverSQLite},
		{"postgres://sync:secret@db:5432/vitalsync", DriverPostgres},
		{"postgresql://sync@db/vitalsync?sslmode=disable", DriverPostgres},
		{"sqlite:///var/lib/vitalsync/data.db", DriverSQLite},
		{"file:/tmp/vitalsync.db?_pragma=busy_timeout(5000)", DriverSQLite},
		{"/home/me/.vitalsync/vitalsync.DB", DriverSQLite},
		{"metrics.sqlite3", DriverSQLite},
		{"db.internal:5432", DriverPostgres},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectDriver(tt.url))
		})
	}
}

func TestResolveDriver(t *testing.T) {
	d, err := ResolveDriver("", "postgres://db/vitalsync")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, d)

	d, err = ResolveDriver("auto", "")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, d)

	d, err = ResolveDriver(" SQLite3 ", "postgres://db/vitalsync")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, d, "explicit driver wins over the URL")

	d, err = ResolveDriver("pg", "")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, d)

	_, err = ResolveDriver("mysql", "")
	assert.ErrorContains(t, err, `unsupported database driver "mysql"`)
}

func TestConfig_LocalPath(t *testing.T) {
	assert.Equal(t, "/data/a.db", Config{SQLitePath: "/data/a.db", URL: "sqlite:///other.db"}.LocalPath())
	assert.Equal(t, "/var/lib/vitalsync.db", Config{URL: "sqlite:///var/lib/vitalsync.db"}.LocalPath())
	assert.Equal(t, "/tmp/v.db", Config{URL: "file:/tmp/v.db?mode=rwc"}.LocalPath())
	assert.Equal(t, DefaultSQLitePath(), Config{}.LocalPath())
}
