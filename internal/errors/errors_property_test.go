package errors

import (
	"net/http"
	"testing"

	"github.com/guardapi/guard/internal/models"
	"pgregory.net/rapid"
)

var allCodes = []ErrorCode{
	ErrUnauthorized, ErrInvalidAPIKey, ErrAPIKeyDisabled, ErrRouteRequired,
	ErrRateLimit, ErrMonthlyQuotaExceeded, ErrServiceUnavailable, ErrGuardRateLimit,
	ErrOwnerRequired, ErrKeyNotFound, ErrKeyDisabled, ErrKeyNotOwned, ErrMaxKeysReached,
	ErrInvalidPlan, ErrValidationFailed, ErrForbidden,
	ErrInternalServer,
}

// TestProperty_ErrorResponse_StandardFormat checks that every error response
// carries its code, message, request id and path.
func TestProperty_ErrorResponse_StandardFormat(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.SampledFrom(allCodes).Draw(rt, "code")
		message := rapid.StringMatching(`[a-zA-Z0-9 .,!?]{10,100}`).Draw(rt, "message")
		requestID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(rt, "requestID")
		path := rapid.SampledFrom([]string{"/keys", "/check", "/logs", "/dashboard"}).Draw(rt, "path")

		apiErr := &APIError{
			Code:       code,
			Message:    message,
			HTTPStatus: GetHTTPStatusFromCode(code),
		}

		response := NewErrorResponse(apiErr, requestID, path)

		if response.Error != code {
			t.Fatalf("PROPERTY VIOLATION: code should be %s, got %s", code, response.Error)
		}
		if response.Message != message {
			t.Fatal("PROPERTY VIOLATION: message must be preserved")
		}
		if response.RequestID != requestID {
			t.Fatal("PROPERTY VIOLATION: request_id must be preserved")
		}
		if response.Path != path {
			t.Fatalf("PROPERTY VIOLATION: path should be %s, got %s", path, response.Path)
		}
		if response.Timestamp.IsZero() {
			t.Fatal("PROPERTY VIOLATION: timestamp must be set")
		}
	})
}

// TestProperty_ReasonStatus checks that every decision reason maps to the
// status class its category requires.
func TestProperty_ReasonStatus(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reason := rapid.SampledFrom(models.AllReasons).Draw(rt, "reason")
		status := ReasonStatus(reason)

		switch reason {
		case models.ReasonRateLimit, models.ReasonMonthlyQuotaExceeded, models.ReasonGuardRateLimit:
			if status != http.StatusTooManyRequests {
				t.Fatalf("PROPERTY VIOLATION: %s should map to 429, got %d", reason, status)
			}
		case models.ReasonServiceUnavailable:
			if status != http.StatusServiceUnavailable {
				t.Fatalf("PROPERTY VIOLATION: %s should map to 503, got %d", reason, status)
			}
		default:
			if status < 400 || status >= 500 {
				t.Fatalf("PROPERTY VIOLATION: %s should map to 4xx, got %d", reason, status)
			}
		}
	})
}

func TestReasonStatus_Allowed(t *testing.T) {
	if got := ReasonStatus(models.ReasonNone); got != http.StatusOK {
		t.Fatalf("allowed decisions should map to 200, got %d", got)
	}
}

func TestGetHTTPStatusFromCode_Unknown(t *testing.T) {
	if got := GetHTTPStatusFromCode("SOMETHING_ELSE"); got != http.StatusInternalServerError {
		t.Fatalf("unknown codes should map to 500, got %d", got)
	}
}

func TestProperty_ErrorResponse_RetryableErrors(t *testing.T) {
	retryable := []*APIError{
		ErrGuardRateLimitError,
		ErrServiceUnavailableError,
		{Code: ErrRateLimit, HTTPStatus: http.StatusTooManyRequests},
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Fatalf("PROPERTY VIOLATION: Error %s should be retryable", err.Code)
		}
	}

	nonRetryable := []*APIError{
		ErrInvalidAPIKeyError,
		ErrAPIKeyDisabledError,
		ErrKeyNotFoundError,
		ErrForbiddenError,
		ErrInternalServerError,
		{Code: ErrMonthlyQuotaExceeded, HTTPStatus: http.StatusTooManyRequests},
	}
	for _, err := range nonRetryable {
		if IsRetryable(err) {
			t.Fatalf("PROPERTY VIOLATION: Error %s should NOT be retryable", err.Code)
		}
	}
}

func TestProperty_ErrorResponse_ClientServerClassification(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.IntRange(400, 599).Draw(rt, "status")
		apiErr := &APIError{Code: ErrInternalServer, Message: "Test error", HTTPStatus: status}

		isClient := IsClientError(apiErr)
		isServer := IsServerError(apiErr)

		if isClient == isServer {
			t.Fatalf("PROPERTY VIOLATION: status %d must be exactly one of client or server error", status)
		}
		if status < 500 && !isClient {
			t.Fatalf("PROPERTY VIOLATION: Status %d should be client error", status)
		}
		if status >= 500 && !isServer {
			t.Fatalf("PROPERTY VIOLATION: Status %d should be server error", status)
		}
	})
}
