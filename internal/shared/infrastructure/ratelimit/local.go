package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalBudget is the in-process fallback used when Redis is not configured.
// Each key refills continuously at limit calls per window with a burst of
// limit.
type LocalBudget struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
	now      func() time.Time
}

// NewLocalBudget creates a budget allowing limit calls per window.
func NewLocalBudget(limit int, window time.Duration) *LocalBudget {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	return &LocalBudget{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		every:    rate.Every(window / time.Duration(limit)),
		now:      time.Now,
	}
}

func (b *LocalBudget) Reserve(ctx context.Context, key string) (int, error) {
	b.mu.Lock()
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(b.every, b.limit)
		b.limiters[key] = lim
	}
	b.mu.Unlock()

	now := b.now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return 0, &ExhaustedError{Key: key, RetryAfter: delay}
	}
	return int(lim.TokensAt(now)), nil
}
