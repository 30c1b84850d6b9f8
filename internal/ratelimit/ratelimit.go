// Package ratelimit implements fixed-window requests-per-minute admission.
//
// Windows are aligned to wall-clock minutes (UTC). A denied request does not
// increment the window count, so the count never exceeds the limit.
package ratelimit

import (
	"context"
	"hash/fnv"
	"time"
)

// Window is the length of a rate limit window
const Window = time.Minute

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool          `json:"allowed"`
	Count      int           `json:"used"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"-"`
}

// Limiter admits requests against a per-key budget per window
type Limiter interface {
	// Admit counts one request against key if it fits within limit
	Admit(ctx context.Context, key string, limit int, now time.Time) (Result, error)
	// Peek reports the current window without counting
	Peek(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// WindowStart returns the start of the window containing now
func WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(Window)
}

// newResult fills the derived fields of a result for a window
func newResult(allowed bool, count, limit int, now time.Time) Result {
	resetAt := WindowStart(now).Add(Window)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	r := Result{
		Allowed:   allowed,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		r.RetryAfter = resetAt.Sub(now)
	}
	return r
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
