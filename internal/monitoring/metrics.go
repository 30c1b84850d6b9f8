package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram

	// Rate limiting and quota metrics
	RateLimitHits  *prometheus.CounterVec
	QuotaExhausted prometheus.Counter

	// Key resolution cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Usage log pipeline metrics
	UsageLogEnqueued prometheus.Counter
	UsageLogWritten  prometheus.Counter
	UsageLogDropped  *prometheus.CounterVec
	UsageLogBuffered prometheus.Gauge

	// Retention metrics
	RetentionDeleted *prometheus.CounterVec
	RetentionRuns    *prometheus.CounterVec

	// Key lifecycle metrics
	KeyEvents *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "guard_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
				},
				[]string{"method", "path"},
			),
			HTTPRequestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "guard_http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),

			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_decisions_total",
					Help: "Admission decisions by outcome reason (empty reason = allowed)",
				},
				[]string{"allowed", "reason"},
			),
			DecisionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "guard_decision_duration_seconds",
					Help:    "Time to reach an admission decision",
					Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
				},
			),

			RateLimitHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_rate_limit_hits_total",
					Help: "Total number of rate limit denials",
				},
				[]string{"scope"},
			),
			QuotaExhausted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_quota_exhausted_total",
					Help: "Total number of monthly quota denials",
				},
			),

			CacheHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_cache_hits_total",
					Help: "Total number of cache hits",
				},
				[]string{"cache_type"},
			),
			CacheMisses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_cache_misses_total",
					Help: "Total number of cache misses",
				},
				[]string{"cache_type"},
			),

			UsageLogEnqueued: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_usage_log_enqueued_total",
					Help: "Usage log entries accepted by the writer",
				},
			),
			UsageLogWritten: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_usage_log_written_total",
					Help: "Usage log entries persisted",
				},
			),
			UsageLogDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_usage_log_dropped_total",
					Help: "Usage log entries lost",
				},
				[]string{"cause"},
			),
			UsageLogBuffered: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "guard_usage_log_buffered",
					Help: "Usage log entries waiting to be written",
				},
			),

			RetentionDeleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_retention_deleted_total",
					Help: "Usage log entries removed by the retention sweep",
				},
				[]string{"plan"},
			),
			RetentionRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_retention_runs_total",
					Help: "Retention sweep runs",
				},
				[]string{"status"},
			),

			KeyEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guard_key_events_total",
					Help: "API key lifecycle events",
				},
				[]string{"event"},
			),

			CircuitBreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "guard_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
				},
				[]string{"dependency"},
			),
		}
	})
	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordDecision records an admission decision
func RecordDecision(allowed bool, reason string, duration time.Duration) {
	m := Get()
	m.DecisionsTotal.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
	m.DecisionDuration.Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit denial; scope is "key" or "admin"
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordQuotaExhausted records a monthly quota denial
func RecordQuotaExhausted() {
	Get().QuotaExhausted.Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordUsageLogEnqueued records entries accepted by the writer
func RecordUsageLogEnqueued() {
	Get().UsageLogEnqueued.Inc()
}

// RecordUsageLogWritten records persisted entries
func RecordUsageLogWritten(n int) {
	Get().UsageLogWritten.Add(float64(n))
}

// RecordUsageLogDropped records lost entries
func RecordUsageLogDropped(cause string, n int) {
	Get().UsageLogDropped.WithLabelValues(cause).Add(float64(n))
}

// SetUsageLogBuffered sets the number of entries waiting to be written
func SetUsageLogBuffered(n int) {
	Get().UsageLogBuffered.Set(float64(n))
}

// RecordRetentionDeleted records entries removed for a plan
func RecordRetentionDeleted(plan string, n int64) {
	Get().RetentionDeleted.WithLabelValues(plan).Add(float64(n))
}

// RecordRetentionRun records a sweep outcome
func RecordRetentionRun(status string) {
	Get().RetentionRuns.WithLabelValues(status).Inc()
}

// RecordKeyEvent records an API key lifecycle event
func RecordKeyEvent(event string) {
	Get().KeyEvents.WithLabelValues(event).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(dependency string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(dependency).Set(state)
}
