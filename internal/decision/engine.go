// Package decision produces the allow/deny verdict for a single request.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guardapi/guard/internal/breaker"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/guardapi/guard/internal/quota"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable wraps dependency failures that produce SERVICE_UNAVAILABLE
var ErrUnavailable = errors.New("admission dependency unavailable")

// Breaker names, one per dependency
const (
	DepKeystore  = "keystore"
	DepRateLimit = "ratelimit"
	DepQuota     = "quota"
)

// KeyResolver resolves secrets and records key activity
type KeyResolver interface {
	Resolve(ctx context.Context, secret string) (*models.APIKey, error)
	Touch(kid string, ts time.Time)
}

// UsageAppender accepts decision records without blocking
type UsageAppender interface {
	Append(entry *models.UsageLogEntry) bool
}

// Request is one admission check
type Request struct {
	Secret string
	Route  string
	Method string
	IP     string
}

// Decision is the verdict for a Request
type Decision struct {
	Allowed   bool
	Reason    models.Reason
	KID       string
	RateLimit *ratelimit.Result
	Quota     *quota.Result
}

// Engine evaluates admission checks in a fixed order; the first failing
// check decides
type Engine struct {
	keys     KeyResolver
	limiter  ratelimit.Limiter
	quota    quota.Tracker
	logs     UsageAppender
	plans    models.PlanCatalog
	breakers *breaker.Manager
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBreakers sets the breaker manager guarding dependency calls
func WithBreakers(m *breaker.Manager) Option {
	return func(e *Engine) { e.breakers = m }
}

// New creates a decision engine
func New(keys KeyResolver, limiter ratelimit.Limiter, tracker quota.Tracker, logs UsageAppender, plans models.PlanCatalog, opts ...Option) *Engine {
	e := &Engine{
		keys:    keys,
		limiter: limiter,
		quota:   tracker,
		logs:    logs,
		plans:   plans,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.plans == nil {
		e.plans = models.DefaultPlans()
	}
	if e.breakers == nil {
		e.breakers = breaker.NewManager(nil)
	}
	return e
}

// Check evaluates req. A non-nil error always comes with a
// SERVICE_UNAVAILABLE decision.
func (e *Engine) Check(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	d, err := e.check(ctx, req)
	monitoring.RecordDecision(d.Allowed, string(d.Reason), time.Since(start))
	return d, err
}

func (e *Engine) check(ctx context.Context, req Request) (*Decision, error) {
	now := e.now().UTC()

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		logging.LogSecurityEvent("missing_api_key", "", req.IP, "")
		return deny(models.ReasonUnauthorized), nil
	}

	key, err := breaker.Do(ctx, e.breakers, DepKeystore, func(ctx context.Context) (*models.APIKey, error) {
		k, err := e.keys.Resolve(ctx, secret)
		if errors.Is(err, keystore.ErrKeyNotFound) {
			// A miss is an answer, not a dependency failure.
			return nil, nil
		}
		return k, err
	})
	if err != nil {
		return deny(models.ReasonServiceUnavailable), dependencyError(DepKeystore, err)
	}
	if key == nil {
		logging.LogSecurityEvent("invalid_api_key", "", req.IP, "")
		return deny(models.ReasonInvalidAPIKey), nil
	}

	entry := &models.UsageLogEntry{
		ID:        usagelog.NewEntryID(now),
		Timestamp: now,
		KID:       key.KID,
		ClientKey: key.MaskedRef(),
		IP:        req.IP,
		Route:     strings.TrimSpace(req.Route),
		Method:    NormalizeMethod(req.Method),
	}
	e.keys.Touch(key.KID, now)

	d := &Decision{KID: key.KID}
	d, err = e.evaluate(ctx, d, key, entry.Route, now)

	entry.Allowed = d.Allowed
	entry.Reason = d.Reason
	e.logs.Append(entry)
	logging.LogDecision(entry)

	return d, err
}

// evaluate runs the per-key checks for a resolved key
func (e *Engine) evaluate(ctx context.Context, d *Decision, key *models.APIKey, route string, now time.Time) (*Decision, error) {
	if !key.Enabled {
		return d.deny(models.ReasonAPIKeyDisabled), nil
	}
	if route == "" {
		return d.deny(models.ReasonRouteRequired), nil
	}

	plan := e.plans.MustGet(key.Plan)

	rl, err := breaker.DoWrite(ctx, e.breakers, DepRateLimit, func(ctx context.Context) (ratelimit.Result, error) {
		return e.limiter.Admit(ctx, key.KID, plan.RPM, now)
	})
	if err != nil {
		return d.deny(models.ReasonServiceUnavailable), dependencyError(DepRateLimit, err)
	}
	d.RateLimit = &rl
	if !rl.Allowed {
		monitoring.RecordRateLimitHit("key")
		return d.deny(models.ReasonRateLimit), nil
	}

	q, err := breaker.DoWrite(ctx, e.breakers, DepQuota, func(ctx context.Context) (quota.Result, error) {
		return e.quota.Consume(ctx, key.KID, plan.Monthly, now)
	})
	if err != nil {
		return d.deny(models.ReasonServiceUnavailable), dependencyError(DepQuota, err)
	}
	d.Quota = &q
	if !q.Allowed {
		monitoring.RecordQuotaExhausted()
		return d.deny(models.ReasonMonthlyQuotaExceeded), nil
	}

	d.Allowed = true
	d.Reason = models.ReasonNone
	return d, nil
}

func (d *Decision) deny(reason models.Reason) *Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

func deny(reason models.Reason) *Decision {
	return &Decision{Reason: reason}
}

func dependencyError(dep string, err error) error {
	log.Error().Err(err).Str("dependency", dep).Msg("Admission dependency failed")
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, dep, err)
}

// NormalizeMethod upper-cases method, defaulting to GET
func NormalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return "GET"
	}
	return method
}
