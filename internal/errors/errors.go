package errors

import (
	"net/http"
	"time"

	"github.com/guardapi/guard/internal/models"
)

// ErrorCode represents a standardized error code. Decision reasons double as
// error codes so clients can branch on a single field.
type ErrorCode string

const (
	// Decision reasons
	ErrUnauthorized         ErrorCode = ErrorCode(models.ReasonUnauthorized)
	ErrInvalidAPIKey        ErrorCode = ErrorCode(models.ReasonInvalidAPIKey)
	ErrAPIKeyDisabled       ErrorCode = ErrorCode(models.ReasonAPIKeyDisabled)
	ErrRouteRequired        ErrorCode = ErrorCode(models.ReasonRouteRequired)
	ErrRateLimit            ErrorCode = ErrorCode(models.ReasonRateLimit)
	ErrMonthlyQuotaExceeded ErrorCode = ErrorCode(models.ReasonMonthlyQuotaExceeded)
	ErrServiceUnavailable   ErrorCode = ErrorCode(models.ReasonServiceUnavailable)
	ErrGuardRateLimit       ErrorCode = ErrorCode(models.ReasonGuardRateLimit)

	// Key management
	ErrOwnerRequired  ErrorCode = "OWNER_REQUIRED"
	ErrKeyNotFound    ErrorCode = "KEY_NOT_FOUND"
	ErrKeyDisabled    ErrorCode = "KEY_DISABLED"
	ErrKeyNotOwned    ErrorCode = "KEY_NOT_OWNED"
	ErrMaxKeysReached ErrorCode = "MAX_KEYS_REACHED"
	ErrInvalidPlan    ErrorCode = "INVALID_PLAN"

	// Request errors
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrForbidden        ErrorCode = "FORBIDDEN"

	// Server errors
	ErrInternalServer ErrorCode = "INTERNAL_ERROR"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"error"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse is the wire format for every non-decision error
type ErrorResponse struct {
	Error     ErrorCode `json:"error"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorResponse builds the response envelope for err
func NewErrorResponse(err *APIError, requestID, path string) ErrorResponse {
	return ErrorResponse{
		Error:     err.Code,
		Message:   err.Message,
		Details:   err.Details,
		RequestID: requestID,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
}

var statusByCode = map[ErrorCode]int{
	ErrUnauthorized:         http.StatusUnauthorized,
	ErrInvalidAPIKey:        http.StatusUnauthorized,
	ErrAPIKeyDisabled:       http.StatusForbidden,
	ErrRouteRequired:        http.StatusBadRequest,
	ErrRateLimit:            http.StatusTooManyRequests,
	ErrMonthlyQuotaExceeded: http.StatusTooManyRequests,
	ErrServiceUnavailable:   http.StatusServiceUnavailable,
	ErrGuardRateLimit:       http.StatusTooManyRequests,
	ErrOwnerRequired:        http.StatusBadRequest,
	ErrKeyNotFound:          http.StatusNotFound,
	ErrKeyDisabled:          http.StatusConflict,
	ErrKeyNotOwned:          http.StatusForbidden,
	ErrMaxKeysReached:       http.StatusConflict,
	ErrInvalidPlan:          http.StatusBadRequest,
	ErrValidationFailed:     http.StatusBadRequest,
	ErrForbidden:            http.StatusForbidden,
	ErrInternalServer:       http.StatusInternalServerError,
}

// GetHTTPStatusFromCode returns the HTTP status for code, 500 when unknown
func GetHTTPStatusFromCode(code ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ReasonStatus returns the HTTP status of a /check outcome
func ReasonStatus(reason models.Reason) int {
	if reason == models.ReasonNone {
		return http.StatusOK
	}
	return GetHTTPStatusFromCode(ErrorCode(reason))
}

func newError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: GetHTTPStatusFromCode(code)}
}

// Common errors
var (
	ErrUnauthorizedError       = newError(ErrUnauthorized, "Missing or invalid credentials")
	ErrInvalidAPIKeyError      = newError(ErrInvalidAPIKey, "Invalid API key")
	ErrAPIKeyDisabledError     = newError(ErrAPIKeyDisabled, "API key is disabled")
	ErrGuardRateLimitError     = newError(ErrGuardRateLimit, "Too many requests to Guard admin endpoints")
	ErrServiceUnavailableError = newError(ErrServiceUnavailable, "Guard is temporarily unavailable")
	ErrOwnerRequiredError      = newError(ErrOwnerRequired, "userId is required")
	ErrKeyNotFoundError        = newError(ErrKeyNotFound, "API key not found")
	ErrKeyDisabledError        = newError(ErrKeyDisabled, "API key is disabled")
	ErrKeyNotOwnedError        = newError(ErrKeyNotOwned, "API key does not belong to user")
	ErrMaxKeysReachedError     = newError(ErrMaxKeysReached, "Maximum number of API keys reached")
	ErrInvalidPlanError        = newError(ErrInvalidPlan, "Unknown plan")
	ErrForbiddenError          = newError(ErrForbidden, "Access denied")
	ErrInternalServerError     = newError(ErrInternalServer, "Internal server error")
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// IsRetryable reports whether a client may retry the same request later
func IsRetryable(err *APIError) bool {
	switch err.Code {
	case ErrRateLimit, ErrGuardRateLimit, ErrServiceUnavailable:
		return true
	}
	return false
}

// IsClientError reports whether err is a 4xx error
func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

// IsServerError reports whether err is a 5xx error
func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}
