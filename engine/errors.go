package engine

import (
	"errors"
	"fmt"
)

// Error types for classifying engine API failures.

// ErrNotFound is returned when the engine does not know the addressed
// resource. Callers settling tasks treat it as already-closed rather than
// as a failure.
var ErrNotFound = errors.New("engine resource not found")

// TransientError represents a temporary failure (network error, 5xx, open
// circuit) that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// AuthError represents a credential rejection. Retrying with the same
// configuration cannot succeed, so components stop instead of looping.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine rejected credentials (status %d)", e.Status)
	}
	return fmt.Sprintf("engine rejected credentials (status %d): %s", e.Status, e.Body)
}

// APIError is a non-auth client error (4xx) the engine reported. These are
// not retried; the request itself is wrong.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsAuth returns true if the error is a credential rejection.
func IsAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}
