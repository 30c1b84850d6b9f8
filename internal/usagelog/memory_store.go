package usagelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/models"
)

// MemoryStore keeps entries in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	byKID map[string][]*models.UsageLogEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKID: make(map[string][]*models.UsageLogEntry)}
}

func (s *MemoryStore) Append(ctx context.Context, entries []*models.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		c := *e
		s.byKID[e.KID] = append(s.byKID[e.KID], &c)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, kid string, limit int) ([]*models.UsageLogEntry, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	entries := make([]*models.UsageLogEntry, len(s.byKID[kid]))
	for i, e := range s.byKID[kid] {
		c := *e
		entries[i] = &c
	}
	s.mu.RUnlock()

	sortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) DailyCounts(ctx context.Context, kid string, from, to time.Time) (map[string]models.DayCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]models.DayCount)
	for _, e := range s.byKID[kid] {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		day := models.DayKey(e.Timestamp)
		c := counts[day]
		if e.Allowed {
			c.Allowed++
		} else {
			c.Blocked++
		}
		counts[day] = c
	}
	return counts, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, kids []string, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, kid := range kids {
		kept := s.byKID[kid][:0]
		for _, e := range s.byKID[kid] {
			if e.Timestamp.Before(cutoff) && (limit <= 0 || deleted < int64(limit)) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.byKID, kid)
		} else {
			s.byKID[kid] = kept
		}
	}
	return deleted, nil
}

// sortNewestFirst orders entries by timestamp then id, both descending
func sortNewestFirst(entries []*models.UsageLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
