package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/cache"
	"github.com/redis/go-redis/v9"
)

// admitScript reads the window, denies without counting when full, and
// otherwise increments it. Returns {allowed, count}.
var admitScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if count >= limit then
    return {0, count}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// RedisLimiter is a fixed-window limiter shared by every Guard instance
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Admit atomically counts one request against key if the window has room
func (l *RedisLimiter) Admit(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	start := WindowStart(now)
	// Keep the key a little past the window end to tolerate clock skew.
	ttl := start.Add(2 * Window).Sub(now)

	res, err := admitScript.Run(ctx, l.client,
		[]string{cache.RateLimitKey(key, start)},
		limit, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit admit: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("rate limit admit: unexpected reply %v", res)
	}

	return newResult(res[0] == 1, int(res[1]), limit, now), nil
}

// Peek reports the current window without counting
func (l *RedisLimiter) Peek(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	count, err := l.client.Get(ctx, cache.RateLimitKey(key, WindowStart(now))).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("rate limit peek: %w", err)
	}
	return newResult(count < limit, count, limit, now), nil
}
