package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// SourceError wraps an error with billing feed context
type SourceError struct {
	Source     string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Source, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Source, e.Operation, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError creates a new SourceError
func NewSourceError(source, operation string, statusCode int, message string, err error) *SourceError {
	return &SourceError{
		Source:     source,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	if errors.Is(err, ErrSourceRateLimit) {
		return true
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrSourceAuth) {
		return true
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRetryable checks if the error is retryable on a later cycle
func IsRetryable(err error) bool {
	if IsRateLimitError(err) || errors.Is(err, ErrSourceUnavailable) {
		return true
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 && se.StatusCode < 600
	}
	return false
}
