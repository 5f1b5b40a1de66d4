package application

import (
	"context"
	"time"

	fetching "github.com/felixgeelhaar/vitalsync/internal/providers/application"
)

// BackoffPolicy paces provider calls. A 429 is never retried; it ends the
// run.
type BackoffPolicy struct {
	// FetchDelay separates consecutive fetcher calls, across dates too.
	FetchDelay time.Duration
	// EscalatedDelay replaces FetchDelay after a response reporting fewer
	// than NearMissQuota remaining calls.
	EscalatedDelay time.Duration
	NearMissQuota  int
	// BatchDelay is the minimum pause between batches.
	BatchDelay time.Duration
}

// DefaultBackoffPolicy returns the production pacing.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		FetchDelay:     1500 * time.Millisecond,
		EscalatedDelay: 4 * time.Second,
		NearMissQuota:  10,
		BatchDelay:     2 * time.Second,
	}
}

// NoBackoff disables every delay. Used by tests.
func NoBackoff() BackoffPolicy {
	return BackoffPolicy{}
}

// After returns the delay to wait after a call that reported quota.
func (p BackoffPolicy) After(quota fetching.Quota) time.Duration {
	if p.NearMiss(quota) && p.EscalatedDelay > p.FetchDelay {
		return p.EscalatedDelay
	}
	return p.FetchDelay
}

// NearMiss reports whether quota is close to exhaustion.
func (p BackoffPolicy) NearMiss(quota fetching.Quota) bool {
	return quota.Known && quota.Remaining < p.NearMissQuota
}

// BeforeBatch returns the delay before the first call of a new batch given
// the delay already pending.
func (p BackoffPolicy) BeforeBatch(pending time.Duration) time.Duration {
	if p.BatchDelay > pending {
		return p.BatchDelay
	}
	return pending
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
