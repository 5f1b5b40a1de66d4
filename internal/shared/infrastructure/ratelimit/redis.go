package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "vitalsync:budget:"

// RedisBudget is a fixed-window counter shared by every process that talks
// to the same Redis. Each window gets its own key, expiring with the window.
type RedisBudget struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisBudget creates a budget allowing limit calls per window.
func NewRedisBudget(client *redis.Client, limit int, window time.Duration) *RedisBudget {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisBudget{client: client, limit: limit, window: window, now: time.Now}
}

func (b *RedisBudget) Reserve(ctx context.Context, key string) (int, error) {
	now := b.now()
	windowStart := now.Truncate(b.window)
	redisKey := windowKey(key, windowStart)

	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, b.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reserve call budget: %w", err)
	}

	used := int(incr.Val())
	if used > b.limit {
		return 0, &ExhaustedError{Key: key, RetryAfter: windowStart.Add(b.window).Sub(now)}
	}
	return b.limit - used, nil
}

// Ping checks the Redis connection.
func (b *RedisBudget) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func windowKey(key string, windowStart time.Time) string {
	return redisKeyPrefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}
