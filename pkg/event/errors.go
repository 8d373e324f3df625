package event

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is matched by every *ValidationError.
	ErrInvalidIdentifier = errors.New("invalid event identifier")

	// ErrNilCallback is returned when Observe is given a nil callback.
	ErrNilCallback = errors.New("callback cannot be nil")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out waiting for event")

	// ErrCanceled settles a pending wait that was canceled explicitly.
	ErrCanceled = errors.New("wait canceled")
)

// ValidationError reports a missing or placeholder identifier.
type ValidationError struct {
	Identifier Identifier
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event identifier %q: %s", string(e.Identifier), e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidIdentifier
}

// ObserverError wraps a failure raised by an observer during a publish.
type ObserverError struct {
	Identifier Identifier
	// Index is the position of the failing observer in the chain.
	Index int
	Err   error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %d for %q failed: %v", e.Index, string(e.Identifier), e.Err)
}

func (e *ObserverError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking observer.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("observer panicked: %v", e.Value)
}

// TimeoutError is returned by an Awaiter when no matching event arrived in time.
type TimeoutError struct {
	Identifier Identifier
	After      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for event %q", e.After, string(e.Identifier))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
