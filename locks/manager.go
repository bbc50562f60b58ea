// Package locks implements lease-based mutual exclusion for named lab
// resources on top of a coordination.Store.
//
// A Manager owns the locks of one session. Acquired locks are kept alive by a
// single background goroutine that refreshes every lease at half its TTL, and
// ReleaseAll stops that goroutine after it has deleted every remaining lease.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/metrics"
)

// Manager defaults
const (
	DefaultTTL                     = 60 * time.Second
	DefaultPollInterval            = 500 * time.Millisecond
	DefaultGrace                   = time.Second
	DefaultRenewalFailureThreshold = 3
)

// ReleaseMode selects how Release removes the remote entry.
type ReleaseMode string

const (
	// ReleaseCompare deletes the entry only while it still carries this
	// session's holder string. An entry taken over after the lease lapsed is
	// left to its new owner.
	ReleaseCompare ReleaseMode = "compare"

	// ReleaseUnconditional deletes the entry whatever it holds.
	ReleaseUnconditional ReleaseMode = "unconditional"
)

// Config holds Manager settings. Zero values take the package defaults.
type Config struct {
	Namespace    string
	TTL          time.Duration
	PollInterval time.Duration
	Grace        time.Duration // added to the remaining TTL when no timeout is given; negative disables it

	// Identity overrides the holder identity. When zero it is built from User
	// and the host's fully-qualified name.
	Identity Identity
	User     string

	ReleaseMode ReleaseMode

	// RenewalFailureThreshold is the number of consecutive keep-alive cycles
	// with failed refreshes after which the Manager reports itself unhealthy.
	RenewalFailureThreshold int

	// OnRenewalFailure, when set, is called from the keep-alive goroutine for
	// every failed refresh.
	OnRenewalFailure func(name string, err error)
}

// Manager acquires, renews and releases locks for one session.
type Manager struct {
	store    coordination.Store
	cfg      Config
	identity Identity
	registry *Registry
	logger   *zap.Logger

	loopMu sync.Mutex
	loop   *keepAlive

	failures atomic.Int64
}

// NewManager creates a Manager on top of store.
func NewManager(store coordination.Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("coordination store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.RenewalFailureThreshold <= 0 {
		cfg.RenewalFailureThreshold = DefaultRenewalFailureThreshold
	}

	switch cfg.ReleaseMode {
	case "":
		cfg.ReleaseMode = ReleaseCompare
	case ReleaseCompare, ReleaseUnconditional:
	default:
		return nil, fmt.Errorf("unknown release mode %q", cfg.ReleaseMode)
	}

	identity := cfg.Identity
	if identity == (Identity{}) {
		identity = DefaultIdentity(cfg.User)
	}

	return &Manager{
		store:    store,
		cfg:      cfg,
		identity: identity,
		registry: NewRegistry(),
		logger:   logger.With(zap.String("holder", identity.String())),
	}, nil
}

// Identity returns the holder identity of this session
func (m *Manager) Identity() Identity {
	return m.identity
}

// Namespace returns the key prefix used for every lock
func (m *Manager) Namespace() string {
	return m.cfg.Namespace
}

// Key returns the coordination store key for name
func (m *Manager) Key(name string) string {
	return MakeKey(m.cfg.Namespace, name)
}

// IsLocked reports whether this session holds name. It does not consult the
// coordination store.
func (m *Manager) IsLocked(name string) bool {
	return m.registry.Contains(name)
}

// Held returns the locks this session holds, sorted by name
func (m *Manager) Held() []Record {
	return m.registry.Records()
}

// Inspect returns the remote entry for name, whoever holds it.
func (m *Manager) Inspect(ctx context.Context, name string) (*coordination.Entry, error) {
	return m.store.Read(ctx, m.Key(name))
}

// RenewalFailures returns the number of consecutive keep-alive cycles in
// which at least one refresh failed.
func (m *Manager) RenewalFailures() int {
	return int(m.failures.Load())
}

// Healthy reports whether lease renewal is keeping up
func (m *Manager) Healthy() bool {
	return m.RenewalFailures() < m.cfg.RenewalFailureThreshold
}

// Release gives up name. Releasing a name this session does not hold is a
// no-op, as is releasing an entry that already expired.
func (m *Manager) Release(ctx context.Context, name string) error {
	rec, ok := m.registry.Remove(name)
	if !ok {
		return nil
	}
	metrics.ActiveLocks.Dec()

	start := time.Now()
	err := m.deleteRemote(ctx, rec)
	observe("release", start, err)
	return err
}

// ReleaseAll stops the keep-alive loop and releases every held lock. It
// waits for the loop's final cleanup pass, bounded by ctx, and may be called
// any number of times.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	start := time.Now()

	m.loopMu.Lock()
	loop := m.loop
	m.loop = nil
	m.loopMu.Unlock()

	var err error
	if loop != nil {
		err = loop.stop(ctx)
	} else {
		err = m.cleanup(ctx)
	}

	observe("release_all", start, err)
	return err
}

// cleanup releases every registered record and joins the delete errors.
func (m *Manager) cleanup(ctx context.Context) error {
	var errs []error
	m.registry.ForEach(func(rec Record) {
		if _, ok := m.registry.Remove(rec.Name); !ok {
			return
		}
		metrics.ActiveLocks.Dec()
		if err := m.deleteRemote(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// deleteRemote removes the store entry for rec according to the release mode.
func (m *Manager) deleteRemote(ctx context.Context, rec Record) error {
	var err error
	if m.cfg.ReleaseMode == ReleaseUnconditional {
		err = m.store.Delete(ctx, rec.Key)
	} else {
		err = m.store.CompareAndDelete(ctx, rec.Key, rec.Holder)
	}

	switch {
	case err == nil:
		m.logger.Info("Lock released",
			zap.String("name", rec.Name),
			zap.String("key", rec.Key))
		return nil
	case errors.Is(err, coordination.ErrNotFound):
		m.logger.Warn("Lock had already expired when released",
			zap.String("name", rec.Name),
			zap.String("key", rec.Key))
		return nil
	case errors.Is(err, coordination.ErrValueMismatch):
		m.logger.Warn("Lock was taken over by another holder after its lease lapsed, leaving it in place",
			zap.String("name", rec.Name),
			zap.String("key", rec.Key))
		return nil
	default:
		metrics.ErrorsTotal.WithLabelValues("locks", "release").Inc()
		return fmt.Errorf("failed to release %s: %w", rec.Name, err)
	}
}

// ensureKeepAlive starts the keep-alive loop, or wakes it so that it picks
// up the TTL of a newly registered lock.
func (m *Manager) ensureKeepAlive() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.loop != nil {
		m.loop.notify()
		return
	}
	m.loop = newKeepAlive(m)
	go m.loop.run()
}

// running reports whether the keep-alive loop is active
func (m *Manager) running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.loop != nil
}

func observe(op string, start time.Time, err error) {
	metrics.LockOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrResourceLocked), errors.Is(err, ErrAlreadyHeld):
		status = "locked"
	default:
		status = "failure"
	}
	metrics.LockOperationsTotal.WithLabelValues(op, status).Inc()
}
