// Package application drives provider imports: it plans which dates need
// fetching, calls the provider fetchers one at a time with pacing delays,
// merges each day into the daily record store and reports progress as an
// ordered event stream.
package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// Batch sizes.
const (
	DefaultBatchSize = 5
	MaxBatchSize     = 31
)

// ErrInvalidRequest is matched by every *ValidationError.
var ErrInvalidRequest = errors.New("invalid import request")

// ValidationError rejects a request before any run starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Request asks for provider data over an inclusive date range.
type Request struct {
	UserID   uuid.UUID
	Provider providers.Provider
	Start    time.Time
	End      time.Time
	// DataTypes are family names; empty selects every family the provider
	// supports.
	DataTypes []string
	// OverwriteExisting re-fetches dates whose required field is already
	// known.
	OverwriteExisting bool
	// BatchSize defaults to DefaultBatchSize and is capped at MaxBatchSize.
	BatchSize int
}

// Plan is the resolved work of one run.
type Plan struct {
	UserID         uuid.UUID
	Provider       providers.Provider
	RequestedStart time.Time
	RequestedEnd   time.Time
	// Start and End bound TargetDates after clamping and capping.
	Start         time.Time
	End           time.Time
	Families      []providers.Family
	RequiredField dailymetrics.Field
	// TargetDates are ascending and unique.
	TargetDates       []time.Time
	SkippedExisting   int
	Adjusted          bool
	OverwriteExisting bool
	BatchSize         int
}

// RequiredField is the metric whose presence marks a date as already
// imported for family.
func RequiredField(family providers.Family) dailymetrics.Field {
	switch family {
	case providers.FamilyHeartRate:
		return dailymetrics.FieldRestingHeartRate
	case providers.FamilySleep:
		return dailymetrics.FieldSleepHours
	case providers.FamilyBody:
		return dailymetrics.FieldWeight
	default:
		return dailymetrics.FieldSteps
	}
}

// Plan validates req and resolves the dates to fetch. Dates after today are
// dropped; a span longer than the provider allows keeps the most recent
// dates and sets Adjusted.
func (i *Importer) Plan(ctx context.Context, req Request) (*Plan, error) {
	if req.UserID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id", Message: "must be set"}
	}
	if !req.Provider.Valid() {
		return nil, &ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", req.Provider)}
	}
	if !i.fetchers.Supports(req.Provider) {
		return nil, &ValidationError{Field: "provider", Message: fmt.Sprintf("%s is not configured", req.Provider)}
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return nil, &ValidationError{Field: "date_range", Message: "start and end dates are required"}
	}
	if req.BatchSize < 0 {
		return nil, &ValidationError{Field: "batch_size", Message: "must not be negative"}
	}

	families, err := i.resolveFamilies(req.Provider, req.DataTypes)
	if err != nil {
		return nil, err
	}

	start := dailymetrics.Day(req.Start)
	end := dailymetrics.Day(req.End)
	if end.Before(start) {
		return nil, &ValidationError{Field: "date_range", Message: "end date is before start date"}
	}
	today := dailymetrics.Day(i.now())
	if end.After(today) {
		end = today
	}
	if end.Before(start) {
		return nil, &ValidationError{Field: "date_range", Message: "start date is in the future"}
	}

	plan := &Plan{
		UserID:            req.UserID,
		Provider:          req.Provider,
		RequestedStart:    dailymetrics.Day(req.Start),
		RequestedEnd:      dailymetrics.Day(req.End),
		Families:          families,
		RequiredField:     RequiredField(families[0]),
		OverwriteExisting: req.OverwriteExisting,
		BatchSize:         batchSize(req.BatchSize, i.config.DefaultBatchSize),
	}

	if maxDays := req.Provider.MaxImportSpanDays(); spanDays(start, end) > maxDays {
		start = end.AddDate(0, 0, -(maxDays - 1))
		plan.Adjusted = true
	}
	plan.Start, plan.End = start, end

	var existing map[time.Time]bool
	if !req.OverwriteExisting {
		existing, err = i.records.DatesWithField(ctx, req.UserID, plan.RequiredField, start, end)
		if err != nil {
			return nil, fmt.Errorf("load existing dates: %w", err)
		}
	}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if existing[d] {
			plan.SkippedExisting++
			continue
		}
		plan.TargetDates = append(plan.TargetDates, d)
	}
	return plan, nil
}

func (i *Importer) resolveFamilies(provider providers.Provider, dataTypes []string) ([]providers.Family, error) {
	supported := i.fetchers.Families(provider)
	if len(dataTypes) == 0 {
		if len(supported) == 0 {
			return nil, &ValidationError{Field: "data_types", Message: fmt.Sprintf("%s has no data types configured", provider)}
		}
		return supported, nil
	}

	isSupported := make(map[providers.Family]bool, len(supported))
	for _, f := range supported {
		isSupported[f] = true
	}
	families := make([]providers.Family, 0, len(dataTypes))
	for _, raw := range dataTypes {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		family, err := providers.ParseFamily(raw)
		if err != nil {
			return nil, &ValidationError{Field: "data_types", Message: err.Error()}
		}
		if !isSupported[family] {
			return nil, &ValidationError{Field: "data_types", Message: fmt.Sprintf("%s does not provide %s", provider, family)}
		}
		families = append(families, family)
	}
	if len(families) == 0 {
		return nil, &ValidationError{Field: "data_types", Message: "no data type selected"}
	}
	return providers.SortFamilies(families), nil
}

func spanDays(start, end time.Time) int {
	return int(end.Sub(start).Hours()/24) + 1
}

func batchSize(requested, fallback int) int {
	if requested == 0 {
		requested = fallback
	}
	if requested <= 0 {
		requested = DefaultBatchSize
	}
	if requested > MaxBatchSize {
		requested = MaxBatchSize
	}
	return requested
}
