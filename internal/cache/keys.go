package cache

import (
	"fmt"
	"time"
)

const keyPrefix = "guard"

// RateLimitKey returns the counter key for kid's fixed window starting at windowStart
func RateLimitKey(kid string, windowStart time.Time) string {
	return fmt.Sprintf("%s:rl:%s:%d", keyPrefix, kid, windowStart.Unix())
}

// QuotaKey returns the counter key for kid's calendar-month period
func QuotaKey(kid string, periodStart time.Time) string {
	return fmt.Sprintf("%s:quota:%s:%s", keyPrefix, kid, periodStart.UTC().Format("2006-01"))
}

// ResolveKey returns the cache key for a secret's lookup hash
func ResolveKey(lookupHash string) string {
	return fmt.Sprintf("%s:resolve:%s", keyPrefix, lookupHash)
}
