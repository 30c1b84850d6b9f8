// Package usagelog records admission decisions.
//
// Entries are immutable and append-only. The Writer buffers appends so the
// admission path never waits on storage.
package usagelog

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultQueryLimit is the page size when no limit is given
	DefaultQueryLimit = 50
	// MaxQueryLimit caps a single query
	MaxQueryLimit = 500
)

// Store persists usage log entries
type Store interface {
	// Append writes a batch of entries
	Append(ctx context.Context, entries []*models.UsageLogEntry) error
	// Query returns up to limit entries for kid, newest first
	Query(ctx context.Context, kid string, limit int) ([]*models.UsageLogEntry, error)
	// DailyCounts returns allowed/blocked totals per UTC day in [from, to)
	DailyCounts(ctx context.Context, kid string, from, to time.Time) (map[string]models.DayCount, error)
	// DeleteBefore removes up to limit entries of kids older than cutoff
	DeleteBefore(ctx context.Context, kids []string, cutoff time.Time, limit int) (int64, error)
}

// ClampLimit applies the default and maximum page size
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEntryID returns a ULID for an entry recorded at t. IDs generated within
// the same millisecond are strictly increasing.
func NewEntryID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
