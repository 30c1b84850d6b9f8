package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guardapi/guard/internal/aggregator"
	"github.com/guardapi/guard/internal/breaker"
	"github.com/guardapi/guard/internal/config"
	"github.com/guardapi/guard/internal/decision"
	apierrors "github.com/guardapi/guard/internal/errors"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/middleware"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/rs/zerolog/log"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Deps are the components the HTTP layer serves
type Deps struct {
	Engine     *decision.Engine
	Keys       *keystore.Service
	Writer     *usagelog.Writer
	Logs       usagelog.Store
	Aggregator *aggregator.Aggregator
	// AdminLimiter protects the dashboard and key management endpoints
	AdminLimiter ratelimit.Limiter
	Health       map[string]HealthCheck
	// Breakers, when set, reports dependency circuit state on /health
	Breakers *breaker.Manager
	Now      func() time.Time
}

// Server is the Guard HTTP API
type Server struct {
	config *config.Config
	router *gin.Engine
	deps   Deps
	auth   *middleware.Authenticator
}

// New creates the HTTP API server
func New(cfg *config.Config, deps Deps) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &Server{
		config: cfg,
		router: router,
		deps:   deps,
		auth:   middleware.NewAuthenticator(&cfg.Auth),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	if s.config.Monitoring.PrometheusEnabled && s.config.Monitoring.PrometheusPort == 0 {
		s.router.GET("/metrics", monitoring.GinHandler())
	}

	admin := s.adminLimit()

	client := s.router.Group("/")
	client.Use(s.auth.EnforceMasterKey())
	{
		client.POST("/check", s.handleCheck)
		client.GET("/usage", s.requireClientKey(), s.handleUsage)
		client.GET("/logs", s.requireClientKey(), s.handleLogs)
		client.GET("/dashboard", admin, s.requireClientKey(), s.handleDashboard)
		client.GET("/dashboard/series", admin, s.requireClientKey(), s.handleDashboardSeries)
	}

	keys := s.router.Group("/keys")
	keys.Use(admin)
	{
		keys.GET("", s.auth.OwnerAuth(), s.handleListKeys)
		keys.POST("", s.auth.OwnerAuth(), s.handleCreateKey)
		keys.POST("/:kid/rotate", s.auth.OwnerAuth(), s.handleRotateKey)
		keys.POST("/:kid/disable", s.auth.OwnerAuth(), s.handleDisableKey)
		keys.POST("/:kid/plan", s.auth.RequireMaster(), s.handleSetPlan)
	}
}

func (s *Server) adminLimit() gin.HandlerFunc {
	if !s.config.AdminRateLimit.Enabled || s.deps.AdminLimiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.AdminRateLimit(s.deps.AdminLimiter, s.config.AdminRateLimit.RPM, s.deps.Now)
}

// healthCheck reports each dependency; any failure makes the service unhealthy
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.deps.Health[name](ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			checks[name] = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	body := gin.H{
		"status":  status,
		"service": "guard",
		"checks":  checks,
	}
	if s.deps.Breakers != nil {
		breakers := s.deps.Breakers.GetAllStatus()
		sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name < breakers[j].Name })
		body["breakers"] = breakers
	}
	c.JSON(code, body)
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	middleware.RespondWithError(c, err)
}

// keyError maps key store failures to API errors
func keyError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		return apierrors.ErrKeyNotFoundError
	case errors.Is(err, keystore.ErrKeyDisabled):
		return apierrors.ErrKeyDisabledError
	case errors.Is(err, keystore.ErrKeyNotOwned):
		return apierrors.ErrKeyNotOwnedError
	case errors.Is(err, keystore.ErrOwnerRequired):
		return apierrors.ErrOwnerRequiredError
	case errors.Is(err, keystore.ErrMaxKeysReached):
		return apierrors.ErrMaxKeysReachedError
	case errors.Is(err, keystore.ErrInvalidPlan):
		return apierrors.ErrInvalidPlanError
	default:
		return apierrors.ErrInternalServerError
	}
}
