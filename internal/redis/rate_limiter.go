package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps how many jobs of one type may be dispatched per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window limiter allowing
// limit dispatches per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records an attempt and reports whether it fits in the window.
// Timestamps live in a sorted set scored by nanosecond time.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "jobqueue:ratelimit:" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter prune for %q: %w", key, err)
	}
	if countCmd.Val() >= int64(r.limit) {
		return false, nil
	}

	// Only accepted attempts are recorded, so a job held back by the limiter
	// does not push its own next attempt further out.
	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	pipe.Expire(ctx, rkey, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter record for %q: %w", key, err)
	}
	return true, nil
}
