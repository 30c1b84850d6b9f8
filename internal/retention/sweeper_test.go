package retention

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

// planIndex is a KeyLister over a fixed kid→plan map
type planIndex map[string]models.PlanName

func (p planIndex) ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error) {
	var kids []string
	for kid, pl := range p {
		if pl == plan && kid > afterKID {
			kids = append(kids, kid)
		}
	}
	sort.Strings(kids)
	if len(kids) > limit {
		kids = kids[:limit]
	}
	return kids, nil
}

func entry(kid string, age time.Duration) *models.UsageLogEntry {
	ts := now.Add(-age)
	return &models.UsageLogEntry{ID: usagelog.NewEntryID(ts), Timestamp: ts, KID: kid, Allowed: true}
}

func TestRunNow_RemovesOnlyExpiredEntriesOfEachPlan(t *testing.T) {
	ctx := context.Background()
	logs := usagelog.NewMemoryStore()
	keys := planIndex{"free-1": models.PlanFree, "pro-1": models.PlanPro}

	require.NoError(t, logs.Append(ctx, []*models.UsageLogEntry{
		entry("free-1", time.Hour),
		entry("free-1", 25*time.Hour),
		entry("free-1", 48*time.Hour),
		entry("pro-1", 25*time.Hour),
		entry("pro-1", 29*24*time.Hour),
		entry("pro-1", 31*24*time.Hour),
	}))

	s := NewSweeper(keys, logs, nil, &Config{BatchSize: 1, Now: func() time.Time { return now }})
	res, err := s.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted[models.PlanFree])
	assert.Equal(t, int64(1), res.Deleted[models.PlanPro])
	assert.Equal(t, int64(3), res.Total)

	free, err := logs.Query(ctx, "free-1", 50)
	require.NoError(t, err)
	assert.Len(t, free, 1)
	pro, err := logs.Query(ctx, "pro-1", 50)
	require.NoError(t, err)
	assert.Len(t, pro, 2)

	st := s.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, int64(3), st.LastResult.Total)
	assert.Empty(t, st.LastError)
}

func TestStartStop(t *testing.T) {
	s := NewSweeper(planIndex{}, usagelog.NewMemoryStore(), nil, &Config{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(context.Background()))

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

// TestProperty_SweepKeepsEverythingWithinRetention checks that after a sweep
// no expired entry survives and no retained entry is lost, for any paging size.
func TestProperty_SweepKeepsEverythingWithinRetention(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		logs := usagelog.NewMemoryStore()
		keys := planIndex{}
		plans := models.DefaultPlans()

		nKeys := rapid.IntRange(1, 8).Draw(rt, "keys")
		expectKept := make(map[string]int)
		var entries []*models.UsageLogEntry
		for k := 0; k < nKeys; k++ {
			kid := fmt.Sprintf("kid-%02d", k)
			plan := rapid.SampledFrom([]models.PlanName{models.PlanFree, models.PlanPro}).Draw(rt, "plan")
			keys[kid] = plan
			n := rapid.IntRange(0, 20).Draw(rt, "entries")
			for i := 0; i < n; i++ {
				age := time.Duration(rapid.Int64Range(0, int64(40*24*time.Hour/time.Minute)).Draw(rt, "age")) * time.Minute
				entries = append(entries, entry(kid, age))
				if age <= plans[plan].Retention {
					expectKept[kid]++
				}
			}
		}
		if err := logs.Append(ctx, entries); err != nil {
			rt.Fatalf("append: %v", err)
		}

		batch := rapid.IntRange(1, 10).Draw(rt, "batch")
		s := NewSweeper(keys, logs, plans, &Config{BatchSize: batch, Now: func() time.Time { return now }})
		if _, err := s.RunNow(ctx); err != nil {
			rt.Fatalf("sweep: %v", err)
		}

		for kid := range keys {
			left, _ := logs.Query(ctx, kid, usagelog.MaxQueryLimit)
			if len(left) != expectKept[kid] {
				rt.Fatalf("%s (%s): %d entries left, want %d", kid, keys[kid], len(left), expectKept[kid])
			}
		}
	})
}
