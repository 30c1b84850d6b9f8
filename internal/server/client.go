package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/guardapi/guard/internal/aggregator"
	"github.com/guardapi/guard/internal/decision"
	apierrors "github.com/guardapi/guard/internal/errors"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/middleware"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/rs/zerolog/log"
)

const contextKeyAPIKey = "api_key"

// CheckRequest is the body of POST /check
type CheckRequest struct {
	Route  string `json:"route"`
	Method string `json:"method"`
}

// CheckResponse is the body of every /check answer
type CheckResponse struct {
	Allowed bool          `json:"allowed"`
	Reason  models.Reason `json:"reason,omitempty"`
}

// DashboardResponse is the body of GET /dashboard
type DashboardResponse struct {
	Plan   models.PlanName `json:"plan"`
	Limits DashboardLimits `json:"limits"`
	Usage  DashboardUsage  `json:"usage"`
}

type DashboardLimits struct {
	RPM     int   `json:"rpm"`
	Monthly int64 `json:"monthly"`
}

type DashboardUsage struct {
	Today aggregator.DaySummary   `json:"today"`
	Month aggregator.MonthSummary `json:"month"`
}

// SeriesResponse is the body of GET /dashboard/series
type SeriesResponse struct {
	Days   int                `json:"days"`
	Series []models.DayBucket `json:"series"`
}

// handleCheck runs one admission decision
func (s *Server) handleCheck(c *gin.Context) {
	// An unreadable body is treated as empty so the ordered checks still
	// decide the outcome: no key is UNAUTHORIZED, a valid key is ROUTE_REQUIRED.
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Str("request_id", middleware.GetRequestIDFromContext(c)).Msg("Unreadable check body")
		}
		req = CheckRequest{}
	}

	d, err := s.deps.Engine.Check(c.Request.Context(), decision.Request{
		Secret: c.GetHeader(middleware.HeaderAPIKey),
		Route:  req.Route,
		Method: req.Method,
		IP:     c.ClientIP(),
	})
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "decision", "check")
	}

	if d.RateLimit != nil {
		middleware.SetRateLimitHeaders(c, *d.RateLimit)
	}

	c.JSON(apierrors.ReasonStatus(d.Reason), CheckResponse{Allowed: d.Allowed, Reason: d.Reason})
}

// requireClientKey resolves x-api-key for the read endpoints. Reads do not
// count against rate or quota.
func (s *Server) requireClientKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(middleware.HeaderAPIKey)
		if secret == "" {
			respondError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		key, err := s.deps.Keys.Resolve(c.Request.Context(), secret)
		if err != nil {
			if errors.Is(err, keystore.ErrKeyNotFound) {
				logging.LogSecurityEvent("invalid_api_key", "", c.ClientIP(), c.FullPath())
				respondError(c, apierrors.ErrInvalidAPIKeyError)
			} else {
				log.Error().Err(err).Msg("Failed to resolve API key")
				respondError(c, apierrors.ErrServiceUnavailableError)
			}
			c.Abort()
			return
		}
		if !key.Enabled {
			respondError(c, apierrors.ErrAPIKeyDisabledError)
			c.Abort()
			return
		}

		c.Set(contextKeyAPIKey, key)
		c.Next()
	}
}

func clientKey(c *gin.Context) *models.APIKey {
	return c.MustGet(contextKeyAPIKey).(*models.APIKey)
}

// handleUsage returns the plan limits and current counters of the calling key
func (s *Server) handleUsage(c *gin.Context) {
	now := s.deps.Now().UTC()
	key := clientKey(c)
	s.deps.Keys.Touch(key.KID, now)

	s.syncLogs(c)

	current, err := s.deps.Keys.Get(c.Request.Context(), key.KID)
	if err != nil {
		respondError(c, keyError(err))
		return
	}

	summary, err := s.deps.Aggregator.Summary(c.Request.Context(), current, now)
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "aggregator", "summary")
		respondError(c, apierrors.ErrServiceUnavailableError)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// handleLogs returns the newest usage log entries of the calling key
func (s *Server) handleLogs(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}
	key := clientKey(c)

	s.syncLogs(c)

	entries, err := s.deps.Logs.Query(c.Request.Context(), key.KID, usagelog.ClampLimit(limit))
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "usagelog", "query")
		respondError(c, apierrors.ErrServiceUnavailableError)
		return
	}
	if entries == nil {
		entries = []*models.UsageLogEntry{}
	}

	c.JSON(http.StatusOK, entries)
}

// handleDashboard returns plan limits with today and month usage
func (s *Server) handleDashboard(c *gin.Context) {
	now := s.deps.Now().UTC()
	key := clientKey(c)

	s.syncLogs(c)

	current, err := s.deps.Keys.Get(c.Request.Context(), key.KID)
	if err != nil {
		respondError(c, keyError(err))
		return
	}

	summary, err := s.deps.Aggregator.Summary(c.Request.Context(), current, now)
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "aggregator", "summary")
		respondError(c, apierrors.ErrServiceUnavailableError)
		return
	}

	c.JSON(http.StatusOK, DashboardResponse{
		Plan:   summary.Plan,
		Limits: DashboardLimits{RPM: summary.Limits.RPM, Monthly: summary.Limits.Monthly},
		Usage:  DashboardUsage{Today: summary.Today, Month: summary.Month},
	})
}

// handleDashboardSeries returns the daily allowed/blocked series
func (s *Server) handleDashboardSeries(c *gin.Context) {
	days, ok := intQuery(c, "days")
	if !ok {
		return
	}
	days = aggregator.ClampDays(days)
	key := clientKey(c)

	s.syncLogs(c)

	series, err := s.deps.Aggregator.DailySeries(c.Request.Context(), key.KID, days, s.deps.Now().UTC())
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "aggregator", "series")
		respondError(c, apierrors.ErrServiceUnavailableError)
		return
	}

	c.JSON(http.StatusOK, SeriesResponse{Days: days, Series: series})
}

// syncLogs makes entries accepted before this request visible to reads
func (s *Server) syncLogs(c *gin.Context) {
	if err := s.deps.Writer.Sync(c.Request.Context()); err != nil {
		log.Warn().Err(err).Msg("Usage log sync interrupted")
	}
}

// intQuery parses an optional integer query parameter. 0 means absent.
func intQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{name: "must be an integer"}))
		return 0, false
	}
	return n, true
}
