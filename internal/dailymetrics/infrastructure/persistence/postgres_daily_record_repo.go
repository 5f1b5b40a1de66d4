package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
)

// PostgresDailyRecordRepository implements domain.Repository using PostgreSQL.
type PostgresDailyRecordRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresDailyRecordRepository creates a new PostgreSQL daily record repository.
func NewPostgresDailyRecordRepository(pool *pgxpool.Pool) *PostgresDailyRecordRepository {
	return &PostgresDailyRecordRepository{pool: pool, now: time.Now}
}

const postgresRecordColumns = `
	user_id, date, steps, calories_burned, distance_km, active_minutes,
	sleep_hours, resting_heart_rate, weight, body_fat, synced_at`

// Merge upserts in a single statement.
func (r *PostgresDailyRecordRepository) Merge(ctx context.Context, userID uuid.UUID, date time.Time, m domain.Metrics) (*domain.DailyRecord, error) {
	query := `
		INSERT INTO daily_metrics (` + postgresRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, date) DO UPDATE SET
			steps = COALESCE(EXCLUDED.steps, daily_metrics.steps),
			calories_burned = COALESCE(EXCLUDED.calories_burned, daily_metrics.calories_burned),
			distance_km = COALESCE(EXCLUDED.distance_km, daily_metrics.distance_km),
			active_minutes = COALESCE(EXCLUDED.active_minutes, daily_metrics.active_minutes),
			sleep_hours = COALESCE(EXCLUDED.sleep_hours, daily_metrics.sleep_hours),
			resting_heart_rate = COALESCE(EXCLUDED.resting_heart_rate, daily_metrics.resting_heart_rate),
			weight = COALESCE(EXCLUDED.weight, daily_metrics.weight),
			body_fat = COALESCE(EXCLUDED.body_fat, daily_metrics.body_fat),
			synced_at = EXCLUDED.synced_at
		RETURNING ` + postgresRecordColumns

	row := r.pool.QueryRow(ctx, query,
		userID,
		domain.Day(date),
		m.Steps,
		m.CaloriesBurned,
		m.DistanceKm,
		m.ActiveMinutes,
		m.SleepHours,
		m.RestingHeartRate,
		m.Weight,
		m.BodyFat,
		r.now().UTC(),
	)
	record, err := scanPostgresRecord(row)
	if err != nil {
		return nil, fmt.Errorf("merge daily record: %w", err)
	}
	return record, nil
}

// Find returns nil, nil when no record exists.
func (r *PostgresDailyRecordRepository) Find(ctx context.Context, userID uuid.UUID, date time.Time) (*domain.DailyRecord, error) {
	query := `SELECT ` + postgresRecordColumns + ` FROM daily_metrics WHERE user_id = $1 AND date = $2`

	record, err := scanPostgresRecord(r.pool.QueryRow(ctx, query, userID, domain.Day(date)))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// FindRange returns records for start..end inclusive, ascending by date.
func (r *PostgresDailyRecordRepository) FindRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]domain.DailyRecord, error) {
	query := `
		SELECT ` + postgresRecordColumns + `
		FROM daily_metrics
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date`

	rows, err := r.pool.Query(ctx, query, userID, domain.Day(start), domain.Day(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// DatesWithField returns the days in start..end whose field is not null.
func (r *PostgresDailyRecordRepository) DatesWithField(ctx context.Context, userID uuid.UUID, field domain.Field, start, end time.Time) (map[time.Time]bool, error) {
	column, err := field.Column()
	if err != nil {
		return nil, err
	}
	query := `
		SELECT date FROM daily_metrics
		WHERE user_id = $1 AND date BETWEEN $2 AND $3 AND ` + column + ` IS NOT NULL`

	rows, err := r.pool.Query(ctx, query, userID, domain.Day(start), domain.Day(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dates := make(map[time.Time]bool)
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		dates[domain.Day(day)] = true
	}
	return dates, rows.Err()
}

func scanPostgresRecord(row pgx.Row) (*domain.DailyRecord, error) {
	var record domain.DailyRecord
	var date time.Time
	err := row.Scan(
		&record.UserID,
		&date,
		&record.Steps,
		&record.CaloriesBurned,
		&record.DistanceKm,
		&record.ActiveMinutes,
		&record.SleepHours,
		&record.RestingHeartRate,
		&record.Weight,
		&record.BodyFat,
		&record.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Date = domain.Day(date)
	return &record, nil
}
