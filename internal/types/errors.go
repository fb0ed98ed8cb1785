package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

const (
	// Validation
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidTime     ErrorCode = "validation_invalid_delivery_time"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationPayload         ErrorCode = "validation_invalid_payload"

	// Conflict
	ErrCodeConflictActiveJob ErrorCode = "conflict_active_job_exists"
	ErrCodeConflictClaimed   ErrorCode = "conflict_already_claimed"

	// Not Found
	ErrCodeNotFoundJob      ErrorCode = "not_found_job"
	ErrCodeNotFoundDelivery ErrorCode = "not_found_delivery"
	ErrCodeNotFoundSubject  ErrorCode = "not_found_subject"

	// Internal/Upstream
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamGenerator     ErrorCode = "upstream_generator_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout       ErrorCode = "upstream_timeout"

	// Lifecycle
	ErrCodeJobAborted          ErrorCode = "job_aborted"
	ErrCodeGenerationFailed    ErrorCode = "job_generation_failed"
	ErrCodeDeliverySendFailed  ErrorCode = "delivery_send_failed"
	ErrCodeDesyncSentUnrecorded ErrorCode = "desync_sent_unrecorded"
	ErrCodeQuotaExhausted       ErrorCode = "quota_exhausted"
)

// AppError is the standard application error type. All domain errors are
// expressed as AppError to enable consistent formatting, retry classification,
// and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Kind maps the error code to its retry classification.
func (e *AppError) Kind() ErrorKind {
	switch e.Code {
	case ErrCodeDesyncSentUnrecorded:
		return ErrorKindDesync
	case ErrCodeUpstreamGenerator,
		ErrCodeUpstreamEmailProvider,
		ErrCodeUpstreamRateLimited,
		ErrCodeUpstreamTimeout,
		ErrCodeInternalDB:
		return ErrorKindTransient
	default:
		return ErrorKindPermanent
	}
}

// HTTPStatus maps the error code to the status returned by the ops surface.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidationInvalidTimezone,
		ErrCodeValidationInvalidTime,
		ErrCodeValidationMissingField,
		ErrCodeValidationPayload:
		return http.StatusBadRequest
	case ErrCodeNotFoundJob, ErrCodeNotFoundDelivery, ErrCodeNotFoundSubject:
		return http.StatusNotFound
	case ErrCodeConflictActiveJob, ErrCodeConflictClaimed:
		return http.StatusConflict
	case ErrCodeQuotaExhausted:
		return http.StatusPaymentRequired
	case ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUpstreamGenerator, ErrCodeUpstreamEmailProvider, ErrCodeUpstreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates an AppError carrying structured details for
// the client.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// transientMarkers are substrings that identify a retryable failure when the
// error is not an AppError. They mirror the classification applied to raw
// provider error strings: timeouts, rate limits, 5xx-equivalents, and
// connection resets.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"429",
	"502",
	"503",
	"connection",
	"temporarily unavailable",
}

// ClassifyError determines the retry classification for an arbitrary error.
// AppErrors carry their own classification; anything else is inspected for
// transient markers and otherwise treated as permanent.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindPermanent
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrorKindTransient
		}
	}
	return ErrorKindPermanent
}

// IsRetryable reports whether the error should trigger an automatic retry.
// Desync errors are explicitly non-retryable even though the underlying
// cause may have been transient.
func IsRetryable(err error) bool {
	return ClassifyError(err) == ErrorKindTransient
}
