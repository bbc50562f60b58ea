package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/metrics"
)

type acquireOptions struct {
	timeout    time.Duration
	hasTimeout bool
	user       string
	ttl        time.Duration
}

// AcquireOption customizes a single Acquire call
type AcquireOption func(*acquireOptions)

// WithTimeout bounds how long Acquire waits for a contended lock. Zero
// checks once and fails immediately if the lock is taken. Without this option
// Acquire waits for the holder's remaining lease plus the grace period.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d < 0 {
			d = 0
		}
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithUser records user instead of the session user as the holder
func WithUser(user string) AcquireOption {
	return func(o *acquireOptions) {
		o.user = user
	}
}

// WithTTL overrides the lease length for this lock
func WithTTL(ttl time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.ttl = ttl
	}
}

// Acquire takes the lock for name, waiting while another holder has it.
//
// It fails with *AlreadyHeldError when this session already holds name and
// with *ResourceLockedError when the wait deadline passes. Store errors are
// returned as they are. On success the lease is kept alive until Release or
// ReleaseAll.
func (m *Manager) Acquire(ctx context.Context, name string, opts ...AcquireOption) (Record, error) {
	start := time.Now()
	rec, err := m.acquire(ctx, name, opts...)
	observe("acquire", start, err)
	return rec, err
}

func (m *Manager) acquire(ctx context.Context, name string, opts ...AcquireOption) (Record, error) {
	start := time.Now()
	if name == "" {
		return Record{}, fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}

	o := acquireOptions{ttl: m.cfg.TTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = m.cfg.TTL
	}

	if m.registry.Contains(name) {
		return Record{}, &AlreadyHeldError{Name: name}
	}

	holder := m.identity
	if o.user != "" {
		holder.User = o.user
	}
	key := m.Key(name)
	value := holder.String()

	var (
		deadline time.Time
		last     *coordination.Entry
		waiting  bool
	)
	if o.hasTimeout {
		// An explicit timeout covers the whole call, store latency included
		deadline = start.Add(o.timeout)
	}
	// A zero timeout still gets its one read and create
	bound := func() time.Time {
		if o.hasTimeout && o.timeout == 0 {
			return time.Time{}
		}
		return deadline
	}

	entry, err := m.readBefore(ctx, key, bound())
	for {
		switch {
		case errors.Is(err, coordination.ErrNotFound):
			err = m.createBefore(ctx, key, value, o.ttl, bound())
			if err == nil {
				return m.register(name, key, value, o.ttl)
			}
			if errors.Is(err, coordination.ErrAlreadyExists) {
				// Someone else created it between our read and write
				m.logger.Debug("Lost race for lock, re-reading",
					zap.String("name", name),
					zap.String("key", key))
				entry, err = m.readBefore(ctx, key, bound())
				continue
			}
			if ctx.Err() != nil || pastDeadline(deadline, err) {
				// The write may still land after we stop waiting for it
				go m.abandonCreate(key, value)
			}
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			if pastDeadline(deadline, err) {
				return Record{}, m.lockedError(name, key, last)
			}
			return Record{}, err

		case err != nil:
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			if pastDeadline(deadline, err) {
				return Record{}, m.lockedError(name, key, last)
			}
			return Record{}, err
		}

		// Contended
		if m.registry.Contains(name) {
			return Record{}, &AlreadyHeldError{Name: name}
		}
		last = entry
		if !waiting {
			waiting = true
			if deadline.IsZero() {
				deadline = m.leaseDeadline(entry)
			}
			if wait := time.Until(deadline); wait > 0 {
				m.logger.Error(fmt.Sprintf("%s is locked by %s, waiting %s for lock to expire",
					name, entry.Value, wait.Round(time.Millisecond)),
					zap.String("name", name),
					zap.String("key", key),
					zap.String("locked_by", entry.Value),
					zap.Duration("remaining", entry.TTL))
			}
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return Record{}, m.lockedError(name, key, last)
		}
		if wait > m.cfg.PollInterval {
			wait = m.cfg.PollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Record{}, ctx.Err()
		case <-timer.C:
		}

		if !time.Now().Before(deadline) {
			return Record{}, m.lockedError(name, key, last)
		}
		entry, err = m.readBefore(ctx, key, bound())
	}
}

// leaseDeadline is the default wait deadline: the holder's remaining lease
// plus the grace period, fixed on the first contended observation.
func (m *Manager) leaseDeadline(entry *coordination.Entry) time.Time {
	remaining := entry.TTL
	if remaining <= 0 {
		remaining = m.cfg.TTL
	}
	return time.Now().Add(remaining + m.cfg.Grace)
}

// pastDeadline reports whether err came from a store call cut off by deadline
func pastDeadline(deadline time.Time, err error) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline) && errors.Is(err, context.DeadlineExceeded)
}

// createBefore is CreateIfAbsent bounded by deadline, like readBefore.
func (m *Manager) createBefore(ctx context.Context, key, value string, ttl time.Duration, deadline time.Time) error {
	if deadline.IsZero() {
		return m.store.CreateIfAbsent(ctx, key, value, ttl)
	}
	createCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return m.store.CreateIfAbsent(createCtx, key, value, ttl)
}

// abandonCreate removes an entry whose create was cut off, in case the store
// applied it anyway. Only our own value is removed.
func (m *Manager) abandonCreate(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TTL)
	defer cancel()

	err := m.store.CompareAndDelete(ctx, key, value)
	switch {
	case err == nil:
		m.logger.Warn("Removed lock written after acquisition was abandoned", zap.String("key", key))
	case errors.Is(err, coordination.ErrNotFound), errors.Is(err, coordination.ErrValueMismatch):
	default:
		m.logger.Warn("Failed to remove abandoned lock, it stays until its lease expires",
			zap.String("key", key),
			zap.Error(err))
	}
}

// readBefore reads key with a context that expires at deadline, so a slow
// store cannot stretch the wait past it.
func (m *Manager) readBefore(ctx context.Context, key string, deadline time.Time) (*coordination.Entry, error) {
	if deadline.IsZero() {
		return m.store.Read(ctx, key)
	}
	readCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return m.store.Read(readCtx, key)
}

func (m *Manager) lockedError(name, key string, last *coordination.Entry) error {
	err := &ResourceLockedError{Name: name, Key: key}
	if last != nil {
		err.Holder = last.Value
		err.Remaining = last.TTL
	}
	return err
}

// register records a freshly created lease and makes sure it is kept alive.
func (m *Manager) register(name, key, holder string, ttl time.Duration) (Record, error) {
	now := time.Now()
	rec := Record{
		Name:        name,
		Key:         key,
		Holder:      holder,
		TTL:         ttl,
		AcquiredAt:  now,
		RefreshedAt: now,
	}

	if err := m.registry.Insert(rec); err != nil {
		m.logger.DPanic("Lock registered twice",
			zap.String("name", name),
			zap.String("key", key),
			zap.Error(err))
		return Record{}, err
	}
	metrics.ActiveLocks.Inc()
	m.ensureKeepAlive()

	m.logger.Info("Lock acquired",
		zap.String("name", name),
		zap.String("key", key),
		zap.Duration("ttl", ttl))
	return rec, nil
}
