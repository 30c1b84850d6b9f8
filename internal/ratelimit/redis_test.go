package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiter_FixedWindow(t *testing.T) {
	testutil.SkipIfShort(t)
	l := ratelimit.NewRedisLimiter(testutil.StartRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 30; i++ {
		res, err := l.Admit(ctx, "kid", 30, now)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
	}

	res, err := l.Admit(ctx, "kid", 30, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30, res.Count)
	assert.Positive(t, res.RetryAfter)

	peek, err := l.Peek(ctx, "kid", 30, now)
	require.NoError(t, err)
	assert.Equal(t, 30, peek.Count)

	next, err := l.Admit(ctx, "kid", 30, ratelimit.WindowStart(now).Add(ratelimit.Window))
	require.NoError(t, err)
	assert.True(t, next.Allowed)
	assert.Equal(t, 1, next.Count)
}

func TestRedisLimiter_ConcurrentAdmitsNeverOverAdmit(t *testing.T) {
	testutil.SkipIfShort(t)
	l := ratelimit.NewRedisLimiter(testutil.StartRedis(t))
	ctx := context.Background()
	now := time.Now().UTC()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				res, err := l.Admit(ctx, "shared", 25, now)
				if err == nil && res.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted.Load())
}
