package keystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hashParams = &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestPostgresStore_Lifecycle(t *testing.T) {
	testutil.SkipIfShort(t)
	pool := testutil.StartPostgres(t)
	rdb := testutil.StartRedis(t)
	ctx := context.Background()

	svc := keystore.NewService(
		keystore.NewPostgresStore(pool),
		keystore.NewRedisResolveCache(rdb, time.Minute),
		keystore.Options{Hash: hashParams},
	)

	issued, err := svc.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	key, err := svc.Resolve(ctx, issued.APIKey)
	require.NoError(t, err)
	assert.Equal(t, issued.KID, key.KID)
	assert.True(t, key.Enabled)

	rotated, err := svc.Rotate(ctx, issued.KID, "user-1", nil)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, issued.APIKey)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)

	_, err = svc.Resolve(ctx, rotated.APIKey)
	require.NoError(t, err)

	require.NoError(t, svc.SetPlan(ctx, issued.KID, models.PlanPro))
	kids, err := svc.ListKIDsByPlan(ctx, models.PlanPro, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{issued.KID}, kids)

	svc.Touch(issued.KID, time.Now().UTC())
	require.NoError(t, svc.FlushLastSeen(ctx))

	require.NoError(t, svc.Disable(ctx, issued.KID, "user-1"))
	require.NoError(t, svc.Disable(ctx, issued.KID, "user-1"))

	key, err = svc.Resolve(ctx, rotated.APIKey)
	require.NoError(t, err)
	assert.False(t, key.Enabled)
	assert.Equal(t, models.PlanPro, key.Plan)

	_, err = svc.Rotate(ctx, issued.KID, "user-1", nil)
	assert.ErrorIs(t, err, keystore.ErrKeyDisabled)

	keys, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastSeenAt)
	assert.NotNil(t, keys[0].DisabledAt)
}

func TestRedisResolveCache_TombstoneBlocksPopulate(t *testing.T) {
	testutil.SkipIfShort(t)
	rdb := testutil.StartRedis(t)
	ctx := context.Background()

	c := keystore.NewRedisResolveCache(rdb, time.Minute)
	key := &models.APIKey{KID: "k1", LookupHash: "abc", Plan: models.PlanFree, Enabled: true}

	require.NoError(t, c.Invalidate(ctx, "abc"))
	require.NoError(t, c.Populate(ctx, key))

	_, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rdb.Del(ctx, "guard:resolve:abc").Err())
	require.NoError(t, c.Populate(ctx, key))
	got, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", got.KID)
	assert.True(t, got.Enabled)
}

func TestRedisResolveCache_ReplaceSkipsTombstone(t *testing.T) {
	testutil.SkipIfShort(t)
	rdb := testutil.StartRedis(t)
	ctx := context.Background()

	c := keystore.NewRedisResolveCache(rdb, time.Minute)
	key := &models.APIKey{KID: "k1", LookupHash: "def", Plan: models.PlanFree, Enabled: true}

	require.NoError(t, c.Populate(ctx, key))
	key.Plan = models.PlanPro
	require.NoError(t, c.Replace(ctx, key))

	got, ok, err := c.Get(ctx, "def")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PlanPro, got.Plan)

	require.NoError(t, c.Invalidate(ctx, "def"))
	require.NoError(t, c.Replace(ctx, key))
	_, ok, err = c.Get(ctx, "def")
	require.NoError(t, err)
	assert.False(t, ok)
}
