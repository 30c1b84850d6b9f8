package usagelog_test

import (
	"context"
	"testing"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/testutil"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseStore_AppendQueryAggregateDelete(t *testing.T) {
	testutil.SkipIfShort(t)
	s := usagelog.NewClickHouseStore(testutil.StartClickHouse(t))
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation is repeatable")

	day := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	var batch []*models.UsageLogEntry
	for i := 0; i < 7; i++ {
		ts := day.Add(time.Duration(i) * time.Hour)
		allowed := i%2 == 0
		reason := models.ReasonNone
		if !allowed {
			reason = models.ReasonRateLimit
		}
		batch = append(batch, &models.UsageLogEntry{
			ID:        usagelog.NewEntryID(ts),
			Timestamp: ts,
			KID:       "kid",
			ClientKey: "guard_0123ab…",
			IP:        "127.0.0.1",
			Route:     "/r",
			Method:    "GET",
			Allowed:   allowed,
			Reason:    reason,
		})
	}
	// Same instant as the newest entry; the id breaks the tie.
	tie := day.Add(6 * time.Hour)
	batch = append(batch, &models.UsageLogEntry{
		ID: usagelog.NewEntryID(tie), Timestamp: tie, KID: "kid", Route: "/r", Method: "GET", Allowed: true,
	})
	// Another key on the next day stays out of every result below.
	batch = append(batch, &models.UsageLogEntry{
		ID: usagelog.NewEntryID(day), Timestamp: day.Add(25 * time.Hour), KID: "other", Route: "/r", Method: "GET", Allowed: true,
	})
	require.NoError(t, s.Append(ctx, batch))

	got, err := s.Query(ctx, "kid", 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, batch[7].ID, got[0].ID)
	assert.Equal(t, batch[6].ID, got[1].ID)
	assert.Equal(t, batch[3].ID, got[4].ID)
	assert.Equal(t, models.ReasonNone, got[0].Reason)
	assert.Equal(t, models.ReasonRateLimit, got[4].Reason)
	assert.Equal(t, time.UTC, got[0].Timestamp.Location())

	counts, err := s.DailyCounts(ctx, "kid", day, day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]models.DayCount{"2025-05-10": {Allowed: 5, Blocked: 3}}, counts)

	// ClickHouse deletes are unbounded, so the batch limit does not apply.
	n, err := s.DeleteBefore(ctx, []string{"kid", "missing"}, day.Add(3*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = s.DeleteBefore(ctx, []string{"kid"}, day.Add(3*time.Hour), 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := s.Query(ctx, "kid", 50)
	require.NoError(t, err)
	assert.Len(t, left, 5)

	other, err := s.Query(ctx, "other", 50)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
