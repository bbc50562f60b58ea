package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/memory"
)

const (
	testTTL  = 400 * time.Millisecond
	testPoll = 20 * time.Millisecond
)

// countingStore counts reads and can be told to report refresh failures.
// A failing refresh still extends the lease, like a reply lost in transit.
type countingStore struct {
	coordination.Store
	reads        atomic.Int64
	failRefresh  atomic.Bool
	failReadWith error
}

func (s *countingStore) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	s.reads.Add(1)
	if s.failReadWith != nil {
		return nil, s.failReadWith
	}
	return s.Store.Read(ctx, key)
}

func (s *countingStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	err := s.Store.Refresh(ctx, key, ttl)
	if s.failRefresh.Load() {
		return coordination.Unavailable("test", "refresh", key, errors.New("connection reset by peer"))
	}
	return err
}

func newTestManager(t *testing.T, store coordination.Store, user string, mutate ...func(*Config)) *Manager {
	t.Helper()

	cfg := Config{
		TTL:          testTTL,
		PollInterval: testPoll,
		Grace:        100 * time.Millisecond,
		Identity:     Identity{User: user, Host: "host.lab.example"},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	m, err := NewManager(store, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.ReleaseAll(ctx)
	})
	return m
}

func TestAcquireOnEmptyStore(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	assert.Equal(t, "lab/locks/dut1", rec.Key)
	assert.Equal(t, "alice@host.lab.example", rec.Holder)
	assert.Equal(t, testTTL, rec.TTL)
	assert.True(t, a.IsLocked("dut1"))

	entry, err := store.Read(ctx, "lab/locks/dut1")
	require.NoError(t, err)
	assert.Equal(t, "alice@host.lab.example", entry.Value)
	assert.InDelta(t, float64(testTTL), float64(entry.TTL), float64(50*time.Millisecond))
}

func TestAcquireTimesOutWithHolderDetails(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 5 * time.Second })
	b := newTestManager(t, store, "bob")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Acquire(ctx, "dut1", WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceLocked))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond+testPoll+150*time.Millisecond)

	var locked *ResourceLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "dut1", locked.Name)
	assert.Equal(t, "alice@host.lab.example", locked.Holder)
	assert.Greater(t, locked.Remaining, 4*time.Second)
	assert.Contains(t, err.Error(), "dut1 is currently locked by alice@host.lab.example")
	assert.False(t, b.IsLocked("dut1"))
}

func TestReleaseLetsOtherManagerAcquire(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	b := newTestManager(t, store, "bob")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, "dut1"))

	_, err = store.Read(ctx, "lab/locks/dut1")
	assert.ErrorIs(t, err, coordination.ErrNotFound)

	rec, err := b.Acquire(ctx, "dut1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "bob@host.lab.example", rec.Holder)
}

func TestKeepAliveRenewsPastTTL(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 200 * time.Millisecond })
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	// Five times the TTL; without renewal the entry would be gone after 200ms
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, err := store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err, "lease expired while held")
		time.Sleep(50 * time.Millisecond)
	}

	rec, ok := a.registry.Get("dut1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, rec.Refreshes, 5)
	assert.Equal(t, 0, a.RenewalFailures())
	assert.True(t, a.Healthy())
}

func TestAcquireTwiceFailsAlreadyHeld(t *testing.T) {
	a := newTestManager(t, memory.NewStore(), "alice")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	_, err = a.Acquire(ctx, "dut1", WithTimeout(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyHeld))

	var held *AlreadyHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "dut1", held.Name)
}

func TestReleaseAllDeletesEverything(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	for _, name := range []string{"dut1", "dut2"} {
		_, err := a.Acquire(ctx, name)
		require.NoError(t, err)
	}
	require.True(t, a.running())

	require.NoError(t, a.ReleaseAll(ctx))

	for _, name := range []string{"dut1", "dut2"} {
		assert.False(t, a.IsLocked(name))
		_, err := store.Read(ctx, MakeKey(DefaultNamespace, name))
		assert.ErrorIs(t, err, coordination.ErrNotFound)
	}
	assert.False(t, a.running())
	assert.Empty(t, a.Held())

	// Repeated calls are harmless
	require.NoError(t, a.ReleaseAll(ctx))
}

func TestReleaseAllWithoutLoop(t *testing.T) {
	a := newTestManager(t, memory.NewStore(), "alice")
	assert.NoError(t, a.ReleaseAll(context.Background()))
	assert.False(t, a.running())
}

func TestKeepAliveRestartsAfterReleaseAll(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	require.NoError(t, a.ReleaseAll(ctx))

	_, err = a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	assert.True(t, a.running())
	assert.True(t, a.IsLocked("dut1"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, "dut1"))
	require.NoError(t, a.Release(ctx, "dut1"))
	require.NoError(t, a.Release(ctx, "never-held"))
	assert.False(t, a.IsLocked("dut1"))
}

func TestReleaseToleratesExpiredEntry(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, rec.Key))

	assert.NoError(t, a.Release(ctx, "dut1"))
	assert.False(t, a.IsLocked("dut1"))
}

func TestMutualExclusionAcrossManagers(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	const contenders = 10
	managers := make([]*Manager, contenders)
	for i := range managers {
		managers[i] = newTestManager(t, store, fmt.Sprintf("user%d", i))
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int64
		locked  atomic.Int64
	)
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			_, err := m.Acquire(ctx, "dut1", WithTimeout(0))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrResourceLocked):
				locked.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load())
	assert.Equal(t, int64(contenders-1), locked.Load())
}

func TestZeroTimeoutReadsOnce(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 5 * time.Second })
	b := newTestManager(t, store, "bob")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	before := store.reads.Load()
	_, err = b.Acquire(ctx, "dut1", WithTimeout(0))
	assert.ErrorIs(t, err, ErrResourceLocked)
	assert.Equal(t, int64(1), store.reads.Load()-before)
}

func TestZeroTimeoutStillAcquiresFreeLock(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	a := newTestManager(t, store, "alice")

	_, err := a.Acquire(context.Background(), "dut1", WithTimeout(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.reads.Load())
}

func TestTimeoutLongerThanLeaseAcquiresOnExpiry(t *testing.T) {
	store := memory.NewStore()
	b := newTestManager(t, store, "bob")
	ctx := context.Background()

	// A crashed holder: the entry is never refreshed
	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/dut1", "ghost@host", 150*time.Millisecond))

	start := time.Now()
	rec, err := b.Acquire(ctx, "dut1", WithTimeout(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "bob@host.lab.example", rec.Holder)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaultDeadlineIsRemainingTTLPlusGrace(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 200 * time.Millisecond })
	b := newTestManager(t, store, "bob")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	// a keeps renewing, so b gives up after at most TTL + grace
	start := time.Now()
	_, err = b.Acquire(ctx, "dut1")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrResourceLocked)
	assert.Less(t, elapsed, 200*time.Millisecond+100*time.Millisecond+testPoll+150*time.Millisecond)
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 5 * time.Second })
	b := newTestManager(t, store, "bob")

	_, err := a.Acquire(context.Background(), "dut1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = b.Acquire(ctx, "dut1", WithTimeout(5*time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrResourceLocked))
}

func TestAcquirePropagatesStoreErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	store := &countingStore{
		Store:        memory.NewStore(),
		failReadWith: coordination.Unavailable("test", "read", "lab/locks/dut1", cause),
	}
	a := newTestManager(t, store, "alice")

	_, err := a.Acquire(context.Background(), "dut1")
	require.Error(t, err)
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.False(t, a.IsLocked("dut1"))
}

func TestAcquireRejectsEmptyName(t *testing.T) {
	a := newTestManager(t, memory.NewStore(), "alice")
	_, err := a.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestAcquireWithUserAndTTL(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1", WithUser("ci-runner"), WithTTL(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "ci-runner@host.lab.example", rec.Holder)
	assert.Equal(t, time.Second, rec.TTL)

	entry, err := a.Inspect(ctx, "dut1")
	require.NoError(t, err)
	assert.Equal(t, "ci-runner@host.lab.example", entry.Value)
	assert.Greater(t, entry.TTL, testTTL)

	// Compare-and-delete must match the holder that was written
	require.NoError(t, a.Release(ctx, "dut1"))
	_, err = store.Read(ctx, rec.Key)
	assert.ErrorIs(t, err, coordination.ErrNotFound)
}

func TestReleaseCompareLeavesNewOwnerAlone(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	// The lease lapsed and someone else took over
	require.NoError(t, store.Delete(ctx, rec.Key))
	require.NoError(t, store.CreateIfAbsent(ctx, rec.Key, "bob@elsewhere", time.Minute))

	require.NoError(t, a.Release(ctx, "dut1"))
	assert.False(t, a.IsLocked("dut1"))

	entry, err := store.Read(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "bob@elsewhere", entry.Value)
}

func TestReleaseUnconditionalDeletesNewOwner(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.ReleaseMode = ReleaseUnconditional })
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, rec.Key))
	require.NoError(t, store.CreateIfAbsent(ctx, rec.Key, "bob@elsewhere", time.Minute))

	require.NoError(t, a.Release(ctx, "dut1"))

	_, err = store.Read(ctx, rec.Key)
	assert.ErrorIs(t, err, coordination.ErrNotFound)
}

func TestReleaseSurfacesStoreErrors(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice")
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = a.Release(ctx, "dut1")
	require.Error(t, err)
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.False(t, a.IsLocked("dut1"))
}

func TestNewManagerRejectsUnknownReleaseMode(t *testing.T) {
	_, err := NewManager(memory.NewStore(), Config{ReleaseMode: "sometimes"}, nil)
	assert.Error(t, err)

	_, err = NewManager(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestRenewalFailuresAreCounted(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}

	var (
		mu     sync.Mutex
		failed []string
	)
	a := newTestManager(t, store, "alice", func(c *Config) {
		c.TTL = 100 * time.Millisecond
		c.RenewalFailureThreshold = 2
		c.OnRenewalFailure = func(name string, err error) {
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, coordination.ErrUnavailable) {
				failed = append(failed, name)
			}
		}
	})
	ctx := context.Background()

	_, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	_, err = a.Acquire(ctx, "dut2")
	require.NoError(t, err)

	store.failRefresh.Store(true)
	assert.Eventually(t, func() bool { return !a.Healthy() }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, a.RenewalFailures(), 2)

	mu.Lock()
	assert.Contains(t, failed, "dut1")
	assert.Contains(t, failed, "dut2")
	mu.Unlock()

	// Locks stay registered; the caller decides what to do
	assert.True(t, a.IsLocked("dut1"))

	store.failRefresh.Store(false)
	assert.Eventually(t, func() bool { return a.RenewalFailures() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Healthy())
}

func TestLostLeaseIsReported(t *testing.T) {
	store := memory.NewStore()

	lost := make(chan string, 16)
	a := newTestManager(t, store, "alice", func(c *Config) {
		c.TTL = 100 * time.Millisecond
		c.OnRenewalFailure = func(name string, err error) {
			if errors.Is(err, coordination.ErrNotFound) {
				select {
				case lost <- name:
				default:
				}
			}
		}
	})
	ctx := context.Background()

	rec, err := a.Acquire(ctx, "dut1")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, rec.Key))

	select {
	case name := <-lost:
		assert.Equal(t, "dut1", name)
	case <-time.After(time.Second):
		t.Fatal("lost lease was not reported")
	}
}

// slowStore delays reads, creates and compare-and-deletes, giving up early
// when the context ends.
type slowStore struct {
	coordination.Store
	readDelay   time.Duration
	createDelay time.Duration
	deleteDelay time.Duration
}

func sleepCtx(ctx context.Context, op, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return coordination.Unavailable("test", op, key, ctx.Err())
	}
}

func (s *slowStore) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	if err := sleepCtx(ctx, "read", key, s.readDelay); err != nil {
		return nil, err
	}
	return s.Store.Read(ctx, key)
}

func (s *slowStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := sleepCtx(ctx, "create", key, s.createDelay); err != nil {
		return err
	}
	return s.Store.CreateIfAbsent(ctx, key, value, ttl)
}

func (s *slowStore) CompareAndDelete(ctx context.Context, key, value string) error {
	if err := sleepCtx(ctx, "compare_and_delete", key, s.deleteDelay); err != nil {
		return err
	}
	return s.Store.CompareAndDelete(ctx, key, value)
}

func TestShortTTLLockAddedLaterIsRenewed(t *testing.T) {
	store := memory.NewStore()
	a := newTestManager(t, store, "alice", func(c *Config) { c.TTL = 4 * time.Second })
	ctx := context.Background()

	_, err := a.Acquire(ctx, "long")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// The loop is already running on a 2s interval
	_, err = a.Acquire(ctx, "short", WithTTL(200*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(600 * time.Millisecond)

	assert.True(t, a.IsLocked("short"))
	entry, err := store.Read(ctx, "lab/locks/short")
	require.NoError(t, err, "short lease expired while still registered")
	assert.Equal(t, "alice@host.lab.example", entry.Value)

	_, err = store.Read(ctx, "lab/locks/long")
	assert.NoError(t, err)
}

func TestTimeoutCoversSlowReads(t *testing.T) {
	inner := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, inner.CreateIfAbsent(ctx, "lab/locks/dut1", "bob@ws2", 5*time.Second))

	a := newTestManager(t, &slowStore{Store: inner, readDelay: 400 * time.Millisecond}, "alice")

	start := time.Now()
	_, err := a.Acquire(ctx, "dut1", WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrResourceLocked)
	assert.Less(t, elapsed, 320*time.Millisecond)
	assert.False(t, a.IsLocked("dut1"))
}

func TestTimeoutCoversSlowCreate(t *testing.T) {
	inner := memory.NewStore()
	a := newTestManager(t, &slowStore{Store: inner, createDelay: 400 * time.Millisecond}, "alice")
	ctx := context.Background()

	start := time.Now()
	_, err := a.Acquire(ctx, "dut1", WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrResourceLocked)
	assert.Less(t, elapsed, 320*time.Millisecond)
	assert.False(t, a.IsLocked("dut1"))

	_, err = inner.Read(ctx, "lab/locks/dut1")
	assert.ErrorIs(t, err, coordination.ErrNotFound)
}

func TestReleaseAllFinishesAfterCallerGivesUp(t *testing.T) {
	inner := memory.NewStore()
	// The loop outlives ReleaseAll here, so it must not log through t
	a, err := NewManager(&slowStore{Store: inner, deleteDelay: 150 * time.Millisecond}, Config{
		TTL:      testTTL,
		Identity: Identity{User: "alice", Host: "host.lab.example"},
	}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Acquire(ctx, "dut1")
	require.NoError(t, err)

	releaseCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = a.ReleaseAll(releaseCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The stopping loop still deletes the remote entry
	assert.Eventually(t, func() bool {
		_, err := inner.Read(ctx, "lab/locks/dut1")
		return errors.Is(err, coordination.ErrNotFound)
	}, time.Second, 10*time.Millisecond)
	assert.False(t, a.IsLocked("dut1"))
}
