// Package quota tracks per-key usage over UTC calendar months.
//
// A consume is admitted only while used < limit and only admitted consumes
// increment the counter, so used never exceeds the limit. Rollover is lazy:
// the first consume in a new month starts from zero.
package quota

import (
	"context"
	"time"

	"github.com/guardapi/guard/internal/models"
)

// Result contains the outcome of a quota consume
type Result struct {
	Allowed     bool      `json:"allowed"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	PeriodStart time.Time `json:"periodStart"`
	ResetsAt    time.Time `json:"resetsAt"`
}

// Tracker counts admitted requests per key per month
type Tracker interface {
	// Consume admits and counts one request if used < limit
	Consume(ctx context.Context, kid string, limit int64, now time.Time) (Result, error)
	// Usage returns the admitted count for the month containing now
	Usage(ctx context.Context, kid string, now time.Time) (int64, error)
}

// PeriodStart returns the first instant of the UTC month containing now
func PeriodStart(now time.Time) time.Time {
	return models.StartOfMonth(now)
}

// PeriodEnd returns the first instant of the following UTC month
func PeriodEnd(now time.Time) time.Time {
	return PeriodStart(now).AddDate(0, 1, 0)
}

// NewResult builds a result for used out of limit in the period containing now
func NewResult(allowed bool, used, limit int64, now time.Time) Result {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:     allowed,
		Used:        used,
		Limit:       limit,
		Remaining:   remaining,
		PeriodStart: PeriodStart(now),
		ResetsAt:    PeriodEnd(now),
	}
}
