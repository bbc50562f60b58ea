package coordination

import (
	"context"
	"time"
)

// timeoutStore bounds every call to the wrapped store.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithOpTimeout wraps store so that no single operation runs longer than
// timeout, whatever deadline the caller's context carries. A non-positive
// timeout returns store unchanged.
func WithOpTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	base := &timeoutStore{next: store, timeout: timeout}

	lister, canList := store.(Lister)
	purger, canPurge := store.(Purger)
	switch {
	case canList && canPurge:
		return &struct {
			*timeoutStore
			*timeoutLister
			*timeoutPurger
		}{base, &timeoutLister{base, lister}, &timeoutPurger{base, purger}}
	case canList:
		return &struct {
			*timeoutStore
			*timeoutLister
		}{base, &timeoutLister{base, lister}}
	case canPurge:
		return &struct {
			*timeoutStore
			*timeoutPurger
		}{base, &timeoutPurger{base, purger}}
	default:
		return base
	}
}

func (s *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *timeoutStore) Read(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.next.Read(ctx, key)
}

func (s *timeoutStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.next.CreateIfAbsent(ctx, key, value, ttl)
}

func (s *timeoutStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.next.Refresh(ctx, key, ttl)
}

func (s *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.next.Delete(ctx, key)
}

func (s *timeoutStore) CompareAndDelete(ctx context.Context, key, value string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.next.CompareAndDelete(ctx, key, value)
}

func (s *timeoutStore) Close() error {
	return s.next.Close()
}

type timeoutLister struct {
	base *timeoutStore
	next Lister
}

func (l *timeoutLister) List(ctx context.Context, prefix string) ([]Entry, error) {
	ctx, cancel := l.base.bound(ctx)
	defer cancel()
	return l.next.List(ctx, prefix)
}

type timeoutPurger struct {
	base *timeoutStore
	next Purger
}

func (p *timeoutPurger) PurgeExpired(ctx context.Context) (int, error) {
	ctx, cancel := p.base.bound(ctx)
	defer cancel()
	return p.next.PurgeExpired(ctx)
}
