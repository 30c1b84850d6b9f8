package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/cache"
	"github.com/redis/go-redis/v9"
)

// consumeScript increments the monthly counter only while it is below the
// limit. The key expires a day after the month ends. Returns {allowed, used}.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if used >= limit then
    return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
    redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return {1, used}
`)

// RedisTracker keeps monthly counters in Redis, shared by every Guard instance
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker creates a Redis-backed tracker
func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

// Consume atomically admits and counts one request if used < limit
func (t *RedisTracker) Consume(ctx context.Context, kid string, limit int64, now time.Time) (Result, error) {
	expireAt := PeriodEnd(now).Add(24 * time.Hour)

	res, err := consumeScript.Run(ctx, t.client,
		[]string{cache.QuotaKey(kid, PeriodStart(now))},
		limit, expireAt.Unix(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("quota consume: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("quota consume: unexpected reply %v", res)
	}

	return NewResult(res[0] == 1, res[1], limit, now), nil
}

// Usage returns the admitted count for the month containing now
func (t *RedisTracker) Usage(ctx context.Context, kid string, now time.Time) (int64, error) {
	used, err := t.client.Get(ctx, cache.QuotaKey(kid, PeriodStart(now))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota usage: %w", err)
	}
	return used, nil
}
