// Package apperr defines the error taxonomy shared by services, workers and
// handlers. Synchronous operations surface these to the API layer; worker
// failures are terminalized into FAILED records instead of propagating.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects bad input before any state mutation.
type ValidationError struct {
	Message string
	Details interface{}
}

func (e *ValidationError) Error() string { return e.Message }

func Validation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError marks a missing request or artifact.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidStateError marks an operation that is not legal in the current
// request state, e.g. cancel after model generation started.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while request is %s", e.Op, e.Status)
}

func InvalidState(op, status string) *InvalidStateError {
	return &InvalidStateError{Op: op, Status: status}
}

// ConflictError is returned by the record store when a guarded update's
// expected status no longer matches. The losing writer logs and moves on.
type ConflictError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func Conflict(id, expected, actual string) *ConflictError {
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

// ProviderError wraps an external provider submit/poll failure. StatusCode
// and Code are kept for classification (auth, quota, transient) but are
// never exposed verbatim to clients.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError marks a polled job that exceeded its wall-clock budget.
type TimeoutError struct {
	Stage   string
	Budget  time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s job exceeded %v budget after %v", e.Stage, e.Budget, e.Elapsed.Round(time.Second))
}

func Timeout(stage string, budget, elapsed time.Duration) *TimeoutError {
	return &TimeoutError{Stage: stage, Budget: budget, Elapsed: elapsed}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
