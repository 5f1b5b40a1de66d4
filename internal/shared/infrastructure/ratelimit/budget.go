// Package ratelimit tracks how many provider calls a user may still make in
// the current window. Providers enforce hourly per-user quotas; keeping a
// local count lets concurrent runs stop before the provider answers 429.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is matched by *ExhaustedError.
var ErrBudgetExhausted = errors.New("call budget exhausted")

// ExhaustedError reports that a key has no calls left in its window.
type ExhaustedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("call budget for %s exhausted, retry in %s", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrBudgetExhausted
}

// Budget hands out calls from a per-key allowance.
type Budget interface {
	// Reserve consumes one call for key and returns how many are left.
	// It returns an *ExhaustedError when the allowance is used up.
	Reserve(ctx context.Context, key string) (int, error)
}

// Key builds the budget key for a user's calls to a provider.
func Key(provider, userID string) string {
	return provider + ":" + userID
}

// Unlimited never refuses a call.
type Unlimited struct{}

func (Unlimited) Reserve(ctx context.Context, key string) (int, error) {
	return -1, nil
}
