package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and workers use these constants instead of
// hardcoded strings so that HTTP mapping and log filtering stay consistent.
const (
	// Validation (400)
	ErrCodeValidationBadBatch     ErrorCode = "validation_malformed_batch"
	ErrCodeValidationBodyTooLarge ErrorCode = "validation_body_too_large"
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"

	// Not Found (404)
	ErrCodeNotFoundEvent ErrorCode = "not_found_event"

	// Ingest persistence (503) - the whole request must fail loudly so the
	// upstream sender retries the batch.
	ErrCodeIngestLedgerUnavailable ErrorCode = "ingest_ledger_unavailable"
	ErrCodeIngestQueueUnavailable  ErrorCode = "ingest_queue_unavailable"

	// Downstream (502/429)
	ErrCodeDownstreamUnavailable ErrorCode = "downstream_unavailable"
	ErrCodeDownstreamRejected    ErrorCode = "downstream_rejected"
	ErrCodeDownstreamRateLimited ErrorCode = "downstream_rate_limited"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalTerminal   ErrorCode = "internal_terminal_state_write"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "ingest_"):
		return http.StatusServiceUnavailable
	case c == ErrCodeDownstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "downstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the
// pipeline. All handler and worker errors are expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
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

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError constructs an AppError wrapping an optional underlying cause.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
