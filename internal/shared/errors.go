package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates invalid input supplied by the caller.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState occurs when a transition is not legal from the current status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrConcurrentModification occurs when a status compare-and-swap loses the race.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrLockTimeout occurs when a row lock could not be acquired in time. Retryable.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)
