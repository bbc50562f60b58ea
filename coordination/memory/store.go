// Package memory implements an in-process coordination store. Leases expire
// lazily on access. It backs tests and single-process gateways.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ebogdum/lablock/coordination"
)

var errClosed = errors.New("store is closed")

type entry struct {
	value     string
	expiresAt time.Time
}

// Store is a mutex-guarded map of leases.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	closed  bool
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the unexpired entry for key, dropping it if it has expired.
// Callers must hold s.mu.
func (s *Store) live(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return coordination.Unavailable("memory", op, key, err)
	}
	if s.closed {
		return coordination.Unavailable("memory", op, key, errClosed)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "read", key); err != nil {
		return nil, err
	}

	now := s.now()
	e, ok := s.live(key, now)
	if !ok {
		return nil, coordination.ErrNotFound
	}
	return &coordination.Entry{Key: key, Value: e.value, TTL: e.expiresAt.Sub(now)}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "create", key); err != nil {
		return err
	}

	now := s.now()
	if _, ok := s.live(key, now); ok {
		return coordination.ErrAlreadyExists
	}
	s.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "refresh", key); err != nil {
		return err
	}

	now := s.now()
	e, ok := s.live(key, now)
	if !ok {
		return coordination.ErrNotFound
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "delete", key); err != nil {
		return err
	}

	if _, ok := s.live(key, s.now()); !ok {
		return coordination.ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "compare_and_delete", key); err != nil {
		return err
	}

	e, ok := s.live(key, s.now())
	if !ok {
		return coordination.ErrNotFound
	}
	if e.value != value {
		return coordination.ErrValueMismatch
	}
	delete(s.entries, key)
	return nil
}

// List returns live entries whose key starts with prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "list", prefix); err != nil {
		return nil, err
	}

	now := s.now()
	result := make([]coordination.Entry, 0)
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := s.live(key, now); ok {
			result = append(result, coordination.Entry{Key: key, Value: e.value, TTL: e.expiresAt.Sub(now)})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "purge", ""); err != nil {
		return 0, err
	}

	now := s.now()
	count := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored entries, including expired ones not yet
// dropped.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close marks the store closed; later calls fail as unavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
