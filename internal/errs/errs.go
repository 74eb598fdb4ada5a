// Package errs defines the error taxonomy shared by the stores, the router and
// the gateway. Callers wrap a sentinel with context and test with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed identifiers or missing required fields.
	// Rejected synchronously and never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a reference to an entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition marks an illegal task status change.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTransientIO marks a persistence or broadcast failure the caller may retry.
	ErrTransientIO = errors.New("transient io failure")
)

// Validation returns an ErrValidation wrapped with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Transient wraps err as ErrTransientIO, keeping the original in the chain.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientIO, op, err)
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
