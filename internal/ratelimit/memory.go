package ratelimit

import (
	"context"
	"sync"
	"time"
)

const shardCount = 64

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter is a single-process fixed-window limiter. Keys are spread over
// lock-striped shards so unrelated keys never contend on one mutex.
type MemoryLimiter struct {
	shards [shardCount]*shard
}

// NewMemoryLimiter creates an in-memory limiter
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

func (l *MemoryLimiter) shardFor(key string) *shard {
	return l.shards[shardIndex(key, shardCount)]
}

// Admit counts one request against key if the current window has room
func (l *MemoryLimiter) Admit(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	start := WindowStart(now)
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		s.windows[key] = w
	}

	if w.count >= limit {
		return newResult(false, w.count, limit, now), nil
	}
	w.count++
	return newResult(true, w.count, limit, now), nil
}

// Peek reports the current window without counting
func (l *MemoryLimiter) Peek(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	start := WindowStart(now)
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	if w, ok := s.windows[key]; ok && w.start.Equal(start) {
		count = w.count
	}
	return newResult(count < limit, count, limit, now), nil
}

// Prune drops windows that ended before now and returns how many were removed
func (l *MemoryLimiter) Prune(now time.Time) int {
	current := WindowStart(now)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if w.start.Before(current) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run prunes idle windows every interval until ctx is done
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Prune(now)
		}
	}
}

// StartPruning runs Run for every distinct MemoryLimiter among limiters.
// Other limiters expire their own windows and are skipped. The returned stop
// function cancels the loops and waits for them to exit.
func StartPruning(ctx context.Context, interval time.Duration, limiters ...Limiter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	started := make(map[*MemoryLimiter]bool)

	for _, limiter := range limiters {
		l, ok := limiter.(*MemoryLimiter)
		if !ok || started[l] {
			continue
		}
		started[l] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx, interval)
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}
