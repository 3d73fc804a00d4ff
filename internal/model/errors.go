// Package model holds the booking domain types shared by the state machine,
// the repositories and the notification contracts, together with the
// error values that let callers tell failure modes apart.
package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a booking or event does not exist.
// Handlers translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by a store when the booking was modified
// since it was loaded.  The state machine reloads and retries.
var ErrVersionConflict = errors.New("version conflict")

// ErrCapacityExceeded signals that a direct registration found no free
// capacity.  The state machine handles it by placing the booking on the
// waitlist; it never reaches the caller.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrForbidden is returned when a caller acts on a booking owned by someone
// else.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidInput is returned when a request misses a required field.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidTransition matches every *InvalidTransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an edge that the state machine does not
// allow.  The booking is left unchanged.
type InvalidTransitionError struct {
	From   Status
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s a %s booking", e.Action, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a *PersistenceError unless it is nil, already a
// not-found or a version conflict.
func Persistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// UnknownStatusError is returned when decoding a status name that this
// build does not define.
type UnknownStatusError struct {
	Name string
}

func (e *UnknownStatusError) Error() string { return fmt.Sprintf("unknown booking status %q", e.Name) }
