// Package apperr defines the error kinds shared by the revenue-cycle
// components and how each kind maps onto the API boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError reports malformed or incomplete input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation is a shorthand constructor for ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports a state-machine guard violation.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ConcurrentModificationError reports an optimistic-concurrency conflict.
// The caller should reload the entity and retry.
type ConcurrentModificationError struct {
	Entity  string
	ID      string
	Version int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently (expected version %d)", e.Entity, e.ID, e.Version)
}

// ClearinghouseUnavailableError is surfaced once the retry budget for a
// clearinghouse call is exhausted.
type ClearinghouseUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ClearinghouseUnavailableError) Error() string {
	return fmt.Sprintf("clearinghouse unavailable: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ClearinghouseUnavailableError) Unwrap() error { return e.Err }

// InsufficientDataError reports that appeal generation lacks required fields.
type InsufficientDataError struct {
	Missing []string
}

func (e *InsufficientDataError) Error() string {
	return "insufficient data: missing " + strings.Join(e.Missing, ", ")
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound is a shorthand constructor for NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is, or wraps, a ConcurrentModificationError.
func IsConflict(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// Status maps an error to the HTTP status the API layer returns for it.
func Status(err error) int {
	var (
		ve  *ValidationError
		ite *InvalidTransitionError
		ide *InsufficientDataError
		nf  *NotFoundError
		cm  *ConcurrentModificationError
		cu  *ClearinghouseUnavailableError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.As(err, &ite), errors.As(err, &ide):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &cm):
		return http.StatusConflict
	case errors.As(err, &cu):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether repeating the same request later may succeed.
func Retryable(err error) bool {
	var (
		cm *ConcurrentModificationError
		cu *ClearinghouseUnavailableError
	)
	return errors.As(err, &cm) || errors.As(err, &cu)
}
