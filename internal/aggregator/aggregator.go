// Package aggregator derives dashboard views from the usage log and the
// live admission counters.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/quota"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/shopspring/decimal"
)

const (
	DefaultSeriesDays = 7
	MaxSeriesDays     = 90
)

// DailyCounter is the part of the usage log store the aggregator reads
type DailyCounter interface {
	DailyCounts(ctx context.Context, kid string, from, to time.Time) (map[string]models.DayCount, error)
}

// DaySummary is today's traffic for a key
type DaySummary struct {
	Allowed  int64      `json:"allowed"`
	Blocked  int64      `json:"blocked"`
	Total    int64      `json:"total"`
	LastSeen *time.Time `json:"lastSeen"`
}

// MonthSummary is the current quota period for a key
type MonthSummary struct {
	Used        int64           `json:"used"`
	Limit       int64           `json:"limit"`
	Remaining   int64           `json:"remaining"`
	PercentUsed decimal.Decimal `json:"percentUsed"`
	PeriodStart time.Time       `json:"periodStart"`
	ResetsAt    time.Time       `json:"resetsAt"`
	Allowed     int64           `json:"allowed"`
	Blocked     int64           `json:"blocked"`
}

// MinuteSummary is the current rate limit window for a key
type MinuteSummary struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Summary is the full usage view of one key
type Summary struct {
	KID    string          `json:"kid"`
	Plan   models.PlanName `json:"plan"`
	Limits models.Limits   `json:"limits"`
	Today  DaySummary      `json:"today"`
	Month  MonthSummary    `json:"month"`
	Minute MinuteSummary   `json:"minute"`
}

// Aggregator computes summaries and daily series
type Aggregator struct {
	logs    DailyCounter
	limiter ratelimit.Limiter
	quota   quota.Tracker
	plans   models.PlanCatalog
}

// New creates an aggregator
func New(logs DailyCounter, limiter ratelimit.Limiter, tracker quota.Tracker, plans models.PlanCatalog) *Aggregator {
	if plans == nil {
		plans = models.DefaultPlans()
	}
	return &Aggregator{logs: logs, limiter: limiter, quota: tracker, plans: plans}
}

// ClampDays applies the default and bounds of a series length
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultSeriesDays
	}
	if days > MaxSeriesDays {
		return MaxSeriesDays
	}
	return days
}

// DailySeries returns one zero-filled bucket per UTC day, oldest first,
// ending with the day containing now
func (a *Aggregator) DailySeries(ctx context.Context, kid string, days int, now time.Time) ([]models.DayBucket, error) {
	days = ClampDays(days)
	today := models.StartOfDay(now)
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	counts, err := a.logs.DailyCounts(ctx, kid, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}

	series := make([]models.DayBucket, 0, days)
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		key := models.DayKey(d)
		c := counts[key]
		series = append(series, models.DayBucket{
			Day:     key,
			Allowed: c.Allowed,
			Blocked: c.Blocked,
			Total:   c.Allowed + c.Blocked,
		})
	}
	return series, nil
}

// Summary returns the plan, today, month and minute view of key
func (a *Aggregator) Summary(ctx context.Context, key *models.APIKey, now time.Time) (*Summary, error) {
	plan := a.plans.MustGet(key.Plan)
	today := models.StartOfDay(now)
	monthStart := models.StartOfMonth(now)

	counts, err := a.logs.DailyCounts(ctx, key.KID, monthStart, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}

	var month models.DayCount
	for _, c := range counts {
		month.Allowed += c.Allowed
		month.Blocked += c.Blocked
	}
	todayCount := counts[models.DayKey(today)]

	used, err := a.quota.Usage(ctx, key.KID, now)
	if err != nil {
		return nil, fmt.Errorf("quota usage: %w", err)
	}
	q := quota.NewResult(used < plan.Monthly, used, plan.Monthly, now)

	window, err := a.limiter.Peek(ctx, key.KID, plan.RPM, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit window: %w", err)
	}

	return &Summary{
		KID:    key.KID,
		Plan:   plan.Name,
		Limits: plan.Limits(),
		Today: DaySummary{
			Allowed:  todayCount.Allowed,
			Blocked:  todayCount.Blocked,
			Total:    todayCount.Allowed + todayCount.Blocked,
			LastSeen: key.LastSeenAt,
		},
		Month: MonthSummary{
			Used:        q.Used,
			Limit:       q.Limit,
			Remaining:   q.Remaining,
			PercentUsed: PercentUsed(q.Used, q.Limit),
			PeriodStart: q.PeriodStart,
			ResetsAt:    q.ResetsAt,
			Allowed:     month.Allowed,
			Blocked:     month.Blocked,
		},
		Minute: MinuteSummary{
			Used:      window.Count,
			Limit:     window.Limit,
			Remaining: window.Remaining,
			ResetAt:   window.ResetAt,
		},
	}, nil
}

// PercentUsed returns used/limit as a percentage rounded to two places
func PercentUsed(used, limit int64) decimal.Decimal {
	if limit <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(used).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(limit)).
		Round(2)
}
