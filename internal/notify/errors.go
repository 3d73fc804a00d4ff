package notify

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify delivery failures.  Senders wrap
// provider errors with them; anything unwrapped counts as transient.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Kind is the retry class of a DispatchError.
type Kind uint8

const (
	Transient Kind = iota + 1
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// DispatchError is returned by handlers.  Transient errors are retried by
// the queue; permanent ones are acknowledged and reported.
type DispatchError struct {
	Kind    Kind
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPermanent) match a permanent DispatchError even
// when Err itself was not wrapped.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Kind == Permanent
	case ErrTransient:
		return e.Kind == Transient
	}
	return false
}

// Classify returns the retry class of err.
func Classify(err error) Kind {
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	return Transient
}
