package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/ebogdum/lablock/metrics"
)

// instrumentedStore records Prometheus metrics for every call it forwards.
type instrumentedStore struct {
	next    Store
	backend string
}

// Instrument wraps store so that every operation is counted and timed under
// the given backend label. Lister and Purger are forwarded when the wrapped
// store implements them.
func Instrument(store Store, backend string) Store {
	base := &instrumentedStore{next: store, backend: backend}

	lister, canList := store.(Lister)
	purger, canPurge := store.(Purger)
	switch {
	case canList && canPurge:
		return &struct {
			*instrumentedStore
			*instrumentedLister
			*instrumentedPurger
		}{base, &instrumentedLister{base, lister}, &instrumentedPurger{base, purger}}
	case canList:
		return &struct {
			*instrumentedStore
			*instrumentedLister
		}{base, &instrumentedLister{base, lister}}
	case canPurge:
		return &struct {
			*instrumentedStore
			*instrumentedPurger
		}{base, &instrumentedPurger{base, purger}}
	default:
		return base
	}
}

// observe records the outcome of a single operation
func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	metrics.StoreOpDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	metrics.StoreOpsTotal.WithLabelValues(s.backend, op, statusOf(err)).Inc()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrValueMismatch):
		return "conflict"
	default:
		return "error"
	}
}

func (s *instrumentedStore) Read(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	entry, err := s.next.Read(ctx, key)
	s.observe("read", start, err)
	return entry, err
}

func (s *instrumentedStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := s.next.CreateIfAbsent(ctx, key, value, ttl)
	s.observe("create", start, err)
	return err
}

func (s *instrumentedStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Refresh(ctx, key, ttl)
	s.observe("refresh", start, err)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *instrumentedStore) CompareAndDelete(ctx context.Context, key, value string) error {
	start := time.Now()
	err := s.next.CompareAndDelete(ctx, key, value)
	s.observe("compare_and_delete", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

type instrumentedLister struct {
	base *instrumentedStore
	next Lister
}

func (l *instrumentedLister) List(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	entries, err := l.next.List(ctx, prefix)
	l.base.observe("list", start, err)
	return entries, err
}

type instrumentedPurger struct {
	base *instrumentedStore
	next Purger
}

func (p *instrumentedPurger) PurgeExpired(ctx context.Context) (int, error) {
	start := time.Now()
	count, err := p.next.PurgeExpired(ctx)
	p.base.observe("purge", start, err)
	if err == nil {
		metrics.StorePurgedTotal.Add(float64(count))
	}
	return count, err
}
