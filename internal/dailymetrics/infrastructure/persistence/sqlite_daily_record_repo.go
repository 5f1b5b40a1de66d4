package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/database"
)

// SQLiteDailyRecordRepository implements domain.Repository using SQLite.
type SQLiteDailyRecordRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteDailyRecordRepository creates a new SQLite daily record repository.
func NewSQLiteDailyRecordRepository(db *sql.DB) *SQLiteDailyRecordRepository {
	return &SQLiteDailyRecordRepository{db: db, now: time.Now}
}

const sqliteRecordColumns = `
	user_id, date, steps, calories_burned, distance_km, active_minutes,
	sleep_hours, resting_heart_rate, weight, body_fat, synced_at`

// Merge upserts in a single statement so concurrent runs for the same day
// cannot lose each other's fields.
func (r *SQLiteDailyRecordRepository) Merge(ctx context.Context, userID uuid.UUID, date time.Time, m domain.Metrics) (*domain.DailyRecord, error) {
	query := `
		INSERT INTO daily_metrics (` + sqliteRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO UPDATE SET
			steps = COALESCE(excluded.steps, daily_metrics.steps),
			calories_burned = COALESCE(excluded.calories_burned, daily_metrics.calories_burned),
			distance_km = COALESCE(excluded.distance_km, daily_metrics.distance_km),
			active_minutes = COALESCE(excluded.active_minutes, daily_metrics.active_minutes),
			sleep_hours = COALESCE(excluded.sleep_hours, daily_metrics.sleep_hours),
			resting_heart_rate = COALESCE(excluded.resting_heart_rate, daily_metrics.resting_heart_rate),
			weight = COALESCE(excluded.weight, daily_metrics.weight),
			body_fat = COALESCE(excluded.body_fat, daily_metrics.body_fat),
			synced_at = excluded.synced_at
		RETURNING ` + sqliteRecordColumns

	row := r.db.QueryRowContext(ctx, query,
		userID.String(),
		domain.Day(date).Format(domain.DateLayout),
		m.Steps,
		m.CaloriesBurned,
		m.DistanceKm,
		m.ActiveMinutes,
		m.SleepHours,
		m.RestingHeartRate,
		m.Weight,
		m.BodyFat,
		r.now().UTC().Format(time.RFC3339Nano),
	)
	record, err := scanSQLiteRecord(row)
	if err != nil {
		return nil, fmt.Errorf("merge daily record: %w", err)
	}
	return record, nil
}

// Find returns nil, nil when no record exists.
func (r *SQLiteDailyRecordRepository) Find(ctx context.Context, userID uuid.UUID, date time.Time) (*domain.DailyRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM daily_metrics WHERE user_id = ? AND date = ?`

	record, err := scanSQLiteRecord(r.db.QueryRowContext(ctx, query, userID.String(), domain.Day(date).Format(domain.DateLayout)))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// FindRange returns records for start..end inclusive, ascending by date.
func (r *SQLiteDailyRecordRepository) FindRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]domain.DailyRecord, error) {
	query := `
		SELECT ` + sqliteRecordColumns + `
		FROM daily_metrics
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date`

	rows, err := r.db.QueryContext(ctx, query, userID.String(),
		domain.Day(start).Format(domain.DateLayout), domain.Day(end).Format(domain.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// DatesWithField returns the days in start..end whose field is not null.
func (r *SQLiteDailyRecordRepository) DatesWithField(ctx context.Context, userID uuid.UUID, field domain.Field, start, end time.Time) (map[time.Time]bool, error) {
	column, err := field.Column()
	if err != nil {
		return nil, err
	}
	query := `
		SELECT date FROM daily_metrics
		WHERE user_id = ? AND date >= ? AND date <= ? AND ` + column + ` IS NOT NULL`

	rows, err := r.db.QueryContext(ctx, query, userID.String(),
		domain.Day(start).Format(domain.DateLayout), domain.Day(end).Format(domain.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dates := make(map[time.Time]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		day, err := domain.ParseDay(raw)
		if err != nil {
			return nil, err
		}
		dates[day] = true
	}
	return dates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*domain.DailyRecord, error) {
	var (
		userIDStr, dateStr, syncedAt string
		steps, calories, active, rhr sql.NullInt64
		distance, sleep, weight, fat sql.NullFloat64
	)
	if err := row.Scan(&userIDStr, &dateStr, &steps, &calories, &distance, &active,
		&sleep, &rhr, &weight, &fat, &syncedAt); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	date, err := domain.ParseDay(dateStr)
	if err != nil {
		return nil, err
	}
	synced, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("parse synced_at: %w", err)
	}

	return &domain.DailyRecord{
		UserID: userID,
		Date:   date,
		Metrics: domain.Metrics{
			Steps:            nullInt(steps),
			CaloriesBurned:   nullInt(calories),
			DistanceKm:       nullFloat(distance),
			ActiveMinutes:    nullInt(active),
			SleepHours:       nullFloat(sleep),
			RestingHeartRate: nullInt(rhr),
			Weight:           nullFloat(weight),
			BodyFat:          nullFloat(fat),
		},
		SyncedAt: synced,
	}, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
