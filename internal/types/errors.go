package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components MUST use these instead of ad-hoc strings so
// that log queries and alarms can match on them.
const (
	// Validation
	ErrCodeValidationInvalidMessage ErrorCode = "validation_invalid_message"
	ErrCodeValidationInvalidConfig  ErrorCode = "validation_invalid_config"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalBroker     ErrorCode = "internal_broker_error"
	ErrCodeInternalLockStore  ErrorCode = "internal_lock_store_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Upstream (backend API)
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_rejected"
	ErrCodeUpstreamMalformed   ErrorCode = "upstream_malformed_response"

	// ErrCodeUpstreamCircuitOpen means the call never left the process: the
	// client's circuit breaker is open. It is back-pressure, not a verdict on
	// the request.
	ErrCodeUpstreamCircuitOpen ErrorCode = "upstream_circuit_open"
)

// AppError is the standard error type used across the pipeline. It carries a
// stable code, a human-readable message and the underlying cause.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details
// (status codes, body snippets) for logging.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from the first AppError in err's chain.
// Returns the empty code if there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable reports whether err describes a transient condition that is
// worth another attempt: upstream unavailability, rate limiting, timeouts and
// network failures. Client-side rejections and malformed payloads are not, and
// neither is an open circuit breaker: retrying against it only burns attempts.
//
// Context cancellation by the caller is never retryable; a deadline exceeded
// on a single attempt (read timeout) is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch CodeOf(err) {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited, ErrCodeInternalBroker:
		return true
	case ErrCodeUpstreamRejected, ErrCodeUpstreamMalformed, ErrCodeUpstreamCircuitOpen,
		ErrCodeValidationInvalidMessage, ErrCodeValidationInvalidConfig:
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsCircuitOpen reports whether err was raised by an open circuit breaker
// rather than by the backend.
func IsCircuitOpen(err error) bool {
	return CodeOf(err) == ErrCodeUpstreamCircuitOpen
}
