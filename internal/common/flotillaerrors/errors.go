// Package flotillaerrors contains the error types returned by code handling API
// requests and by the stores. The HTTP layer looks for the error types defined
// in this file and sets the response status code accordingly.
//
// If multiple errors occur in some function (e.g., if several pools fail to
// drain), that function should return an error of type multierror.Error from
// package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package flotillaerrors

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "pool"
	Value   string // Resource id, e.g., "01gkw5b4..."
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "modelId"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrTransientInfra indicates that some piece of infrastructure (the queue log,
// the database) was temporarily unreachable. Operations failing with this error
// are safe to retry with backoff and must never be recorded as job failures.
type ErrTransientInfra struct {
	// Name of the unreachable system, e.g., "redis" or "database"
	Source string
	// The underlying error
	Inner error
}

func (err *ErrTransientInfra) Error() string {
	if err.Inner != nil {
		return fmt.Sprintf("%s temporarily unavailable: %s", err.Source, err.Inner)
	}
	return fmt.Sprintf("%s temporarily unavailable", err.Source)
}

func (err *ErrTransientInfra) Unwrap() error {
	return err.Inner
}

// ErrInsufficientCapacity is returned by the lease manager when a request does
// not fit within the host memory budget. It is surfaced synchronously; the
// caller must free capacity (e.g., by evicting pools) before retrying.
type ErrInsufficientCapacity struct {
	RequestedBytes int64
	AvailableBytes int64
	BudgetBytes    int64
}

func (err *ErrInsufficientCapacity) Error() string {
	return fmt.Sprintf(
		"insufficient capacity: requested %d bytes with %d of %d available",
		err.RequestedBytes, err.AvailableBytes, err.BudgetBytes)
}

// ErrLoadFailure indicates that provisioning a worker pool failed, e.g., because
// the model could not be loaded or an adapter is incompatible. The pool moves to
// the failed state and any partial lease is released.
type ErrLoadFailure struct {
	PoolId    string
	ModelId   string
	AdapterId string
	Reason    string
}

func (err *ErrLoadFailure) Error() (s string) {
	if err.AdapterId != "" {
		s = fmt.Sprintf("pool %s failed to load model %s with adapter %s", err.PoolId, err.ModelId, err.AdapterId)
	} else {
		s = fmt.Sprintf("pool %s failed to load model %s", err.PoolId, err.ModelId)
	}
	if err.Reason != "" {
		return s + fmt.Sprintf(": %s", err.Reason)
	}
	return s
}

// ErrPoisonJob indicates that a job has exceeded its retry ceiling and has been
// moved to the dead-letter stream. Operator intervention is required.
type ErrPoisonJob struct {
	JobId     string
	Retries   int
	LastError string
}

func (err *ErrPoisonJob) Error() string {
	return fmt.Sprintf("job %s exceeded maximum number of retries: %d; last error: %s", err.JobId, err.Retries, err.LastError)
}

// ErrLeadershipLost signals that this instance is no longer the leader. It is
// used to halt leader-only loops and is never surfaced externally.
type ErrLeadershipLost struct{}

func (err *ErrLeadershipLost) Error() string {
	return "leadership lost"
}

// ErrInvalidTransition is returned when a state transition is not along a legal
// edge of a state machine, e.g., stopped -> running for a pool.
type ErrInvalidTransition struct {
	Type string // e.g. "pool" or "job"
	Id   string
	From string
	To   string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s for %q", err.Type, err.From, err.To, err.Id)
}

// ErrStaleTransition is returned when an optimistic-concurrency check fails,
// i.e., the record was modified since the caller last read it.
type ErrStaleTransition struct {
	Type    string
	Id      string
	Version int64
}

func (err *ErrStaleTransition) Error() string {
	return fmt.Sprintf("stale update for %s %q at version %d", err.Type, err.Id, err.Version)
}

// IsRetryable returns true if the error chain indicates a transient condition
// that is safe to retry, e.g., the queue or database being unreachable.
// Uses errors.As to look through the chain of errors, as opposed to just
// considering the topmost error in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrTransientInfra
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e net.Error
		if errors.As(err, &e) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// StatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func StatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrStaleTransition
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrInsufficientCapacity
		if errors.As(err, &e) {
			return http.StatusInsufficientStorage
		}
	}
	{
		var e *ErrTransientInfra
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}

	return http.StatusInternalServerError
}
