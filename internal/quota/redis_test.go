package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/guardapi/guard/internal/quota"
	"github.com/guardapi/guard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTracker_ConsumeAndRollover(t *testing.T) {
	testutil.SkipIfShort(t)
	rdb := testutil.StartRedis(t)
	tr := quota.NewRedisTracker(rdb)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		res, err := tr.Consume(ctx, "kid", 5, now)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := tr.Consume(ctx, "kid", 5, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Used)

	used, err := tr.Usage(ctx, "kid", now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	ttl, err := rdb.TTL(ctx, "guard:quota:kid:"+now.Format("2006-01")).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	next := quota.PeriodEnd(now)
	res, err = tr.Consume(ctx, "kid", 5, next)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Used)

	used, err = tr.Usage(ctx, "other", now)
	require.NoError(t, err)
	assert.Zero(t, used)
}
