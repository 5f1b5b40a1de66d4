package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DailyRecord is the merged metrics of one user on one calendar day.
// At most one exists per (UserID, Date).
type DailyRecord struct {
	UserID uuid.UUID `json:"user_id"`
	// Date is midnight UTC of the calendar day.
	Date time.Time `json:"date"`
	Metrics
	SyncedAt time.Time `json:"synced_at"`
}

// DateString formats Date as YYYY-MM-DD.
func (r DailyRecord) DateString() string {
	return r.Date.Format(DateLayout)
}

// Repository stores daily records. Records are never deleted.
type Repository interface {
	// Merge coalesces metrics into the record for (userID, date), creating
	// it when absent, and advances SyncedAt even if no value changed. It is
	// atomic per row.
	Merge(ctx context.Context, userID uuid.UUID, date time.Time, metrics Metrics) (*DailyRecord, error)
	// Find returns nil, nil when no record exists.
	Find(ctx context.Context, userID uuid.UUID, date time.Time) (*DailyRecord, error)
	// FindRange returns records for start..end inclusive, ascending.
	FindRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]DailyRecord, error)
	// DatesWithField returns the days in start..end whose field is known.
	DatesWithField(ctx context.Context, userID uuid.UUID, field Field, start, end time.Time) (map[time.Time]bool, error)
}
