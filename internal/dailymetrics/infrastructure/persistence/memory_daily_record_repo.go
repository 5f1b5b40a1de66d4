package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
)

type memoryKey struct {
	userID uuid.UUID
	date   time.Time
}

// MemoryDailyRecordRepository keeps records in memory and merges with
// domain.Coalesce.
type MemoryDailyRecordRepository struct {
	mu      sync.Mutex
	records map[memoryKey]domain.DailyRecord
	now     func() time.Time
	merges  int
}

// NewMemoryDailyRecordRepository creates an empty repository.
func NewMemoryDailyRecordRepository() *MemoryDailyRecordRepository {
	return &MemoryDailyRecordRepository{records: make(map[memoryKey]domain.DailyRecord), now: time.Now}
}

func (r *MemoryDailyRecordRepository) Merge(ctx context.Context, userID uuid.UUID, date time.Time, m domain.Metrics) (*domain.DailyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey{userID: userID, date: domain.Day(date)}
	record, ok := r.records[key]
	if !ok {
		record = domain.DailyRecord{UserID: userID, Date: key.date}
	}
	record.Metrics = domain.Coalesce(record.Metrics, m)
	record.SyncedAt = r.now().UTC()
	r.records[key] = record
	r.merges++
	return &record, nil
}

func (r *MemoryDailyRecordRepository) Find(ctx context.Context, userID uuid.UUID, date time.Time) (*domain.DailyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[memoryKey{userID: userID, date: domain.Day(date)}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *MemoryDailyRecordRepository) FindRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]domain.DailyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, end = domain.Day(start), domain.Day(end)

	var out []domain.DailyRecord
	for key, record := range r.records {
		if key.userID == userID && !key.date.Before(start) && !key.date.After(end) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *MemoryDailyRecordRepository) DatesWithField(ctx context.Context, userID uuid.UUID, field domain.Field, start, end time.Time) (map[time.Time]bool, error) {
	if _, err := field.Column(); err != nil {
		return nil, err
	}
	records, _ := r.FindRange(ctx, userID, start, end)
	dates := make(map[time.Time]bool)
	for _, record := range records {
		if record.Has(field) {
			dates[record.Date] = true
		}
	}
	return dates, nil
}

// MergeCount returns how many merges were applied.
func (r *MemoryDailyRecordRepository) MergeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merges
}
