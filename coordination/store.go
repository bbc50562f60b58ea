// Package coordination defines the lease-capable key-value store that lablock
// uses to coordinate locks between hosts, along with its error taxonomy.
// Concrete backends live in the subpackages.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common coordination store errors
var (
	ErrNotFound      = errors.New("entry not found")
	ErrAlreadyExists = errors.New("entry already exists")
	ErrValueMismatch = errors.New("entry value does not match")
	ErrUnavailable   = errors.New("coordination store unavailable")
	ErrNotSupported  = errors.New("operation not supported by backend")
)

// Entry is a live lease in the coordination store.
type Entry struct {
	Key   string        `json:"key"`
	Value string        `json:"value"`
	TTL   time.Duration `json:"ttl"` // remaining lease, zero when the backend reports none
}

// Store is the primitive set the lock manager consumes.
type Store interface {
	// Read returns the live entry for key or ErrNotFound
	Read(ctx context.Context, key string) (*Entry, error)

	// CreateIfAbsent writes value under key with the given lease only if no
	// live entry exists. Returns ErrAlreadyExists otherwise.
	CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error

	// Refresh extends the lease of a live entry without changing its value.
	// Returns ErrNotFound when the entry has expired or was deleted.
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes the entry. Returns ErrNotFound when it is already gone.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes the entry only if it still holds value.
	// Returns ErrNotFound or ErrValueMismatch when nothing was deleted.
	CompareAndDelete(ctx context.Context, key, value string) error

	// Close releases the backend connection
	Close() error
}

// Lister is implemented by backends that can enumerate live entries.
type Lister interface {
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Purger is implemented by backends that keep expired rows around until
// they are explicitly removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// UnavailableError reports a transport or connectivity failure talking to a
// backend. It matches ErrUnavailable and unwraps to the underlying cause.
type UnavailableError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q failed: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Unavailable wraps err as an UnavailableError. It returns nil for a nil err
// and passes through errors that already carry ErrUnavailable.
func Unavailable(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Backend: backend, Op: op, Key: key, Err: err}
}
