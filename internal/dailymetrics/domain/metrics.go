// Package domain holds the per-user, per-day metric record that every
// provider import merges into.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Field names a metric column.
type Field string

const (
	FieldSteps            Field = "steps"
	FieldCaloriesBurned   Field = "calories_burned"
	FieldDistanceKm       Field = "distance_km"
	FieldActiveMinutes    Field = "active_minutes"
	FieldSleepHours       Field = "sleep_hours"
	FieldRestingHeartRate Field = "resting_heart_rate"
	FieldWeight           Field = "weight"
	FieldBodyFat          Field = "body_fat"
)

// ErrUnknownField is returned for a Field outside the metric columns.
var ErrUnknownField = errors.New("unknown metric field")

// Fields lists every metric column.
func Fields() []Field {
	return []Field{
		FieldSteps, FieldCaloriesBurned, FieldDistanceKm, FieldActiveMinutes,
		FieldSleepHours, FieldRestingHeartRate, FieldWeight, FieldBodyFat,
	}
}

// Column returns the storage column for f. The value is safe to splice into
// SQL because only known fields are accepted.
func (f Field) Column() (string, error) {
	for _, known := range Fields() {
		if known == f {
			return string(f), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, f)
}

// Metrics is a partial set of metric values. A nil field is unknown, not
// zero.
type Metrics struct {
	Steps            *int     `json:"steps,omitempty"`
	CaloriesBurned   *int     `json:"calories_burned,omitempty"`
	DistanceKm       *float64 `json:"distance_km,omitempty"`
	ActiveMinutes    *int     `json:"active_minutes,omitempty"`
	SleepHours       *float64 `json:"sleep_hours,omitempty"`
	RestingHeartRate *int     `json:"resting_heart_rate,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	BodyFat          *float64 `json:"body_fat,omitempty"`
}

// IsEmpty reports whether no field is known.
func (m Metrics) IsEmpty() bool {
	return m.Steps == nil && m.CaloriesBurned == nil && m.DistanceKm == nil &&
		m.ActiveMinutes == nil && m.SleepHours == nil && m.RestingHeartRate == nil &&
		m.Weight == nil && m.BodyFat == nil
}

// Has reports whether f is known.
func (m Metrics) Has(f Field) bool {
	switch f {
	case FieldSteps:
		return m.Steps != nil
	case FieldCaloriesBurned:
		return m.CaloriesBurned != nil
	case FieldDistanceKm:
		return m.DistanceKm != nil
	case FieldActiveMinutes:
		return m.ActiveMinutes != nil
	case FieldSleepHours:
		return m.SleepHours != nil
	case FieldRestingHeartRate:
		return m.RestingHeartRate != nil
	case FieldWeight:
		return m.Weight != nil
	case FieldBodyFat:
		return m.BodyFat != nil
	default:
		return false
	}
}

// Coalesce returns base with every field that is known in update replaced.
// Unknown fields in update never clear a known value in base.
func Coalesce(base, update Metrics) Metrics {
	out := base
	if update.Steps != nil {
		out.Steps = update.Steps
	}
	if update.CaloriesBurned != nil {
		out.CaloriesBurned = update.CaloriesBurned
	}
	if update.DistanceKm != nil {
		out.DistanceKm = update.DistanceKm
	}
	if update.ActiveMinutes != nil {
		out.ActiveMinutes = update.ActiveMinutes
	}
	if update.SleepHours != nil {
		out.SleepHours = update.SleepHours
	}
	if update.RestingHeartRate != nil {
		out.RestingHeartRate = update.RestingHeartRate
	}
	if update.Weight != nil {
		out.Weight = update.Weight
	}
	if update.BodyFat != nil {
		out.BodyFat = update.BodyFat
	}
	return out
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DateLayout is the calendar day format used on the wire and in storage.
const DateLayout = "2006-01-02"

// Day truncates t to a UTC calendar day, keeping the wall-clock date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}
