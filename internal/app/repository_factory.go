package app

import (
	"database/sql"
	"fmt"

	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	connpersistence "github.com/felixgeelhaar/vitalsync/internal/connections/infrastructure/persistence"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	recordpersistence "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/infrastructure/persistence"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryFactory creates repositories based on the database driver.
type RepositoryFactory struct {
	conn   database.Connection
	driver database.Driver
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(conn database.Connection) *RepositoryFactory {
	return &RepositoryFactory{
		conn:   conn,
		driver: conn.Driver(),
	}
}

// TokenRepository creates a token repository for the configured driver.
// Credentials are sealed with sealer before they reach the database.
func (f *RepositoryFactory) TokenRepository(sealer crypto.Sealer) (conndomain.Repository, error) {
	if sealer == nil {
		return nil, fmt.Errorf("token repository requires an encryption key")
	}
	switch f.driver {
	case database.DriverPostgres:
		pool, err := f.getPostgresPool()
		if err != nil {
			return nil, err
		}
		return connpersistence.NewPostgresTokenRepository(pool, sealer), nil

	case database.DriverSQLite:
		db, err := f.getSQLiteDB()
		if err != nil {
			return nil, err
		}
		return connpersistence.NewSQLiteTokenRepository(db, sealer), nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// DailyRecordRepository creates a daily record repository for the
// configured driver.
func (f *RepositoryFactory) DailyRecordRepository() (dailymetrics.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		pool, err := f.getPostgresPool()
		if err != nil {
			return nil, err
		}
		return recordpersistence.NewPostgresDailyRecordRepository(pool), nil

	case database.DriverSQLite:
		db, err := f.getSQLiteDB()
		if err != nil {
			return nil, err
		}
		return recordpersistence.NewSQLiteDailyRecordRepository(db), nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// Helper methods to get underlying database connections

func (f *RepositoryFactory) getPostgresPool() (*pgxpool.Pool, error) {
	pgConn, ok := f.conn.(interface{ Pool() *pgxpool.Pool })
	if !ok {
		return nil, fmt.Errorf("postgres connection does not expose Pool()")
	}
	return pgConn.Pool(), nil
}

func (f *RepositoryFactory) getSQLiteDB() (*sql.DB, error) {
	sqliteConn, ok := f.conn.(interface{ DB() *sql.DB })
	if !ok {
		return nil, fmt.Errorf("sqlite connection does not expose DB()")
	}
	return sqliteConn.DB(), nil
}

// Driver returns the database driver type.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}

// Connection returns the underlying database connection.
func (f *RepositoryFactory) Connection() database.Connection {
	return f.conn
}
