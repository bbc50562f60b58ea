package locks

import (
	"errors"
	"fmt"
	"time"
)

// Lock manager errors
var (
	ErrAlreadyHeld    = errors.New("lock already held by this session")
	ErrResourceLocked = errors.New("resource is locked")
	ErrDuplicateLock  = errors.New("duplicate lock record")
	ErrInvalidName    = errors.New("invalid lock name")
)

// AlreadyHeldError is returned when a session acquires a name it owns.
type AlreadyHeldError struct {
	Name string
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("%s is already locked by this session", e.Name)
}

func (e *AlreadyHeldError) Unwrap() error { return ErrAlreadyHeld }

// ResourceLockedError reports who held the resource when waiting gave up.
type ResourceLockedError struct {
	Name      string
	Key       string
	Holder    string
	Remaining time.Duration
}

func (e *ResourceLockedError) Error() string {
	return fmt.Sprintf("%s is currently locked by %s (expires in %s)",
		e.Name, e.Holder, e.Remaining.Round(time.Millisecond))
}

func (e *ResourceLockedError) Unwrap() error { return ErrResourceLocked }

// DuplicateLockError signals an attempt to register a name twice. It means
// a bug in the caller, not contention.
type DuplicateLockError struct {
	Name string
}

func (e *DuplicateLockError) Error() string {
	return fmt.Sprintf("lock record for %s already registered", e.Name)
}

func (e *DuplicateLockError) Unwrap() error { return ErrDuplicateLock }
