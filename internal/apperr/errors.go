package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Base error types
var (
	ErrNotFound        = errors.New("not found")
	ErrClosed          = errors.New("component is closed")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrBreakerOpen     = errors.New("dependency unavailable")
)

// ValidationError marks malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidation creates a validation error for field
func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderError is returned by external collaborators (embedding, completion, vector index, cache).
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies err by status code. 429 and 5xx are transient,
// other 4xx are not. A zero status falls back to IsTransient on err.
func NewProviderError(provider, op string, status int, err error) *ProviderError {
	transient := false
	switch {
	case status == 429 || status >= 500:
		transient = true
	case status >= 400:
		transient = false
	default:
		transient = IsTransient(err)
	}
	return &ProviderError{Provider: provider, Op: op, StatusCode: status, Transient: transient, Err: err}
}

// RetryExhaustedError is surfaced once the retry budget for an external call is spent.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryExhausted reports whether err is (or wraps) a RetryExhaustedError
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}

// IsTransient returns true for failures worth retrying: provider errors flagged
// transient, deadlines, network timeouts and an open breaker.
func IsTransient(err error) bool {
	if err == nil || IsValidation(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrBreakerOpen) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
