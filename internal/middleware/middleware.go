package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/guardapi/guard/internal/config"
	apierrors "github.com/guardapi/guard/internal/errors"
	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// Request headers
const (
	HeaderAPIKey    = "x-api-key"
	HeaderMasterKey = "x-guard-key"
	HeaderRequestID = "X-Request-ID"
)

// Context keys
const (
	ContextKeyRequestID = "request_id"
	ContextKeyOwnerID   = "owner_user_id"
	ContextKeyMaster    = "master"
)

// Claims are the owner token claims. Subject carries the owner user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Authenticator checks the master key and owner bearer tokens
type Authenticator struct {
	masterKey []byte
	jwtSecret []byte
	issuer    string
	enforce   bool
}

// NewAuthenticator creates an authenticator from auth configuration
func NewAuthenticator(cfg *config.AuthConfig) *Authenticator {
	return &Authenticator{
		masterKey: []byte(cfg.MasterKey),
		jwtSecret: []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		enforce:   cfg.EnforceMasterKey,
	}
}

// IsMasterKey reports whether provided equals the configured master key.
// An unset master key matches nothing.
func (a *Authenticator) IsMasterKey(provided string) bool {
	if len(a.masterKey) == 0 || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), a.masterKey) == 1
}

// RequireMaster rejects requests that do not carry the master key
func (a *Authenticator) RequireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsMasterKey(c.GetHeader(HeaderMasterKey)) {
			logging.LogSecurityEvent("master_key_rejected", c.FullPath(), c.ClientIP(), "")
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}
		c.Set(ContextKeyMaster, true)
		c.Next()
	}
}

// EnforceMasterKey requires the master key on client endpoints when
// auth.enforce_master_key is set, and is a no-op otherwise
func (a *Authenticator) EnforceMasterKey() gin.HandlerFunc {
	if !a.enforce {
		return func(c *gin.Context) { c.Next() }
	}
	return a.RequireMaster()
}

// OwnerAuth accepts either the master key or an owner bearer token. With a
// token the owner user ID is taken from its subject.
func (a *Authenticator) OwnerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.IsMasterKey(c.GetHeader(HeaderMasterKey)) {
			c.Set(ContextKeyMaster, true)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(a.jwtSecret) == 0 {
			logging.LogSecurityEvent("owner_auth_missing", c.FullPath(), c.ClientIP(), "")
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			logging.LogSecurityEvent("owner_token_rejected", c.FullPath(), c.ClientIP(), err.Error())
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		c.Set(ContextKeyOwnerID, claims.Subject)
		c.Next()
	}
}

// ValidateToken parses an HS256 owner token and checks its subject and issuer
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) == len(bearerPrefix) {
		return "", ErrInvalidToken
	}
	return authHeader[len(bearerPrefix):], nil
}

// AdminRateLimit limits admin and dashboard traffic per client IP. Limiter
// failures let the request through.
func AdminRateLimit(limiter ratelimit.Limiter, rpm int, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		if rpm <= 0 {
			c.Next()
			return
		}

		res, err := limiter.Admit(c.Request.Context(), "admin:"+c.ClientIP(), rpm, now())
		if err != nil {
			log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("Admin rate limiter unavailable")
			c.Next()
			return
		}

		if !res.Allowed {
			monitoring.RecordRateLimitHit("admin")
			logging.LogSecurityEvent("admin_rate_limited", c.FullPath(), c.ClientIP(), "")
			SetRateLimitHeaders(c, res)
			RespondWithError(c, apierrors.ErrGuardRateLimitError)
			c.Abort()
			return
		}

		c.Next()
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* and Retry-After headers
func SetRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		secs := int((res.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(
		err,
		GetRequestIDFromContext(c),
		c.Request.URL.Path,
	))
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// GetRequestIDFromContext returns the request ID, or "" if none was set
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// GetOwnerIDFromContext returns the owner user ID taken from a bearer token
func GetOwnerIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyOwnerID)
}

// IsMaster reports whether the request was authenticated with the master key
func IsMaster(c *gin.Context) bool {
	return c.GetBool(ContextKeyMaster)
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-API-Key, X-Guard-Key")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200") // 12 hours
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
