package models

import (
	"time"
)

// Reason is a decision outcome code surfaced verbatim to callers
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonUnauthorized         Reason = "UNAUTHORIZED"
	ReasonInvalidAPIKey        Reason = "INVALID_API_KEY"
	ReasonAPIKeyDisabled       Reason = "API_KEY_DISABLED"
	ReasonRouteRequired        Reason = "ROUTE_REQUIRED"
	ReasonRateLimit            Reason = "RATE_LIMIT"
	ReasonMonthlyQuotaExceeded Reason = "MONTHLY_QUOTA_EXCEEDED"
	ReasonServiceUnavailable   Reason = "SERVICE_UNAVAILABLE"
	ReasonGuardRateLimit       Reason = "GUARD_RATE_LIMIT"
)

// AllReasons lists every reason in evaluation order
var AllReasons = []Reason{
	ReasonUnauthorized,
	ReasonInvalidAPIKey,
	ReasonAPIKeyDisabled,
	ReasonRouteRequired,
	ReasonRateLimit,
	ReasonMonthlyQuotaExceeded,
	ReasonServiceUnavailable,
	ReasonGuardRateLimit,
}

// UsageLogEntry is an immutable record of one admission decision
type UsageLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Timestamp time.Time `json:"ts" db:"ts"`
	KID       string    `json:"kid" db:"kid"`
	ClientKey string    `json:"clientKey" db:"client_key"`
	IP        string    `json:"ip" db:"ip"`
	Route     string    `json:"route" db:"route"`
	Method    string    `json:"method" db:"method"`
	Allowed   bool      `json:"allowed" db:"allowed"`
	Reason    Reason    `json:"reason,omitempty" db:"reason"`
}

// DayCount holds allowed and blocked totals for one UTC day
type DayCount struct {
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

// DayBucket is one point of a daily series
type DayBucket struct {
	Day     string `json:"day"`
	Allowed int64  `json:"allowed"`
	Blocked int64  `json:"blocked"`
	Total   int64  `json:"total"`
}

// DayKey formats t as a UTC calendar day
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// StartOfDay truncates t to midnight UTC
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfMonth truncates t to the first instant of its UTC calendar month
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
