package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

type counter struct {
	periodStart time.Time
	used        int64
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// MemoryTracker is a single-process quota tracker with lock-striped shards
type MemoryTracker struct {
	shards [shardCount]*shard
}

// NewMemoryTracker creates an in-memory tracker
func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{}
	for i := range t.shards {
		t.shards[i] = &shard{counters: make(map[string]*counter)}
	}
	return t
}

func (t *MemoryTracker) shardFor(kid string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kid))
	return t.shards[h.Sum32()%shardCount]
}

// Consume admits and counts one request if used < limit
func (t *MemoryTracker) Consume(ctx context.Context, kid string, limit int64, now time.Time) (Result, error) {
	start := PeriodStart(now)
	s := t.shardFor(kid)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[kid]
	if !ok || !c.periodStart.Equal(start) {
		c = &counter{periodStart: start}
		s.counters[kid] = c
	}

	if c.used >= limit {
		return NewResult(false, c.used, limit, now), nil
	}
	c.used++
	return NewResult(true, c.used, limit, now), nil
}

// Usage returns the admitted count for the month containing now
func (t *MemoryTracker) Usage(ctx context.Context, kid string, now time.Time) (int64, error) {
	s := t.shardFor(kid)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[kid]; ok && c.periodStart.Equal(PeriodStart(now)) {
		return c.used, nil
	}
	return 0, nil
}
