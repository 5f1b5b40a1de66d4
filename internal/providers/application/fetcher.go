// Package application defines how per-day metrics are read from external
// providers. Fetchers only read; merging is the importer's job.
package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

var (
	// ErrTokenInvalid means the provider answered 401 for the access token.
	ErrTokenInvalid = errors.New("access token rejected by provider")

	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("provider rate limit reached")

	// ErrProviderUnavailable means the circuit breaker for the provider is
	// open after repeated transient failures.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUnsupportedFamily means the provider has no fetcher for a family.
	ErrUnsupportedFamily = errors.New("data type not supported by provider")
)

// RateLimitError carries the provider's retry hint. RetryAfter is zero when
// the provider did not send one.
type RateLimitError struct {
	Provider   providers.Provider
	RetryAfter time.Duration
	// Local is set when the process-side call budget refused the call
	// before it reached the provider.
	Local bool
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit reached, retry after %s", e.Provider, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s rate limit reached", e.Provider)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StatusError is an unexpected provider response. It is transient from the
// importer's point of view.
type StatusError struct {
	Provider providers.Provider
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// Quota is the provider's remaining call allowance as reported alongside a
// response.
type Quota struct {
	Known     bool
	Remaining int
	ResetIn   time.Duration
}

// Result is one fetcher's output for one date. Unknown metrics stay nil.
type Result struct {
	Metrics dailymetrics.Metrics
	Quota   Quota
}

// Fetcher reads one data family for one date.
type Fetcher interface {
	Provider() providers.Provider
	Family() providers.Family
	// Fetch returns an empty Result, not an error, when the provider has no
	// data for date. It returns ErrTokenInvalid on 401 and a
	// *RateLimitError on 429, and never retries either.
	Fetch(ctx context.Context, date time.Time, accessToken string) (Result, error)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns zero when the header is absent or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type userKey struct{}

// WithUser records which user a fetch is made for. The HTTP client uses it
// to charge the per-user call budget.
func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user set by WithUser.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userKey{}).(uuid.UUID)
	return id, ok
}
