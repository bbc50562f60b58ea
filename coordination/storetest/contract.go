// Package storetest holds the behavioral contract every coordination store
// backend must satisfy, shared by the backend test suites.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebogdum/lablock/coordination"
)

// Clock is a manually advanced clock for backends with an injectable now.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness is a store under test plus a way to let time pass for it.
type Harness struct {
	Store   coordination.Store
	Advance func(time.Duration)
}

// Run exercises store against the coordination contract. newHarness is
// called once per subtest so state does not leak between them.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("ReadMissing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Store.Read(context.Background(), "lab/locks/missing")
		assert.ErrorIs(t, err, coordination.ErrNotFound)
	})

	t.Run("CreateThenRead", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))

		entry, err := h.Store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err)
		assert.Equal(t, "lab/locks/dut1", entry.Key)
		assert.Equal(t, "alice@ws1", entry.Value)
		assert.Greater(t, entry.TTL, 50*time.Second)
		assert.LessOrEqual(t, entry.TTL, time.Minute)
	})

	t.Run("CreateExisting", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))
		err := h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "bob@ws2", time.Minute)
		assert.ErrorIs(t, err, coordination.ErrAlreadyExists)

		entry, err := h.Store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err)
		assert.Equal(t, "alice@ws1", entry.Value)
	})

	t.Run("EntryExpires", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", 2*time.Second))
		h.Advance(3 * time.Second)

		_, err := h.Store.Read(ctx, "lab/locks/dut1")
		assert.ErrorIs(t, err, coordination.ErrNotFound)

		// An expired entry does not block a new holder
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "bob@ws2", time.Minute))
		entry, err := h.Store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err)
		assert.Equal(t, "bob@ws2", entry.Value)
	})

	t.Run("RefreshExtendsLease", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", 2*time.Second))
		h.Advance(time.Second)
		require.NoError(t, h.Store.Refresh(ctx, "lab/locks/dut1", 2*time.Second))
		h.Advance(1500 * time.Millisecond)

		entry, err := h.Store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err)
		assert.Equal(t, "alice@ws1", entry.Value)
	})

	t.Run("RefreshMissing", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		assert.ErrorIs(t, h.Store.Refresh(ctx, "lab/locks/missing", time.Minute), coordination.ErrNotFound)

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Second))
		h.Advance(2 * time.Second)
		assert.ErrorIs(t, h.Store.Refresh(ctx, "lab/locks/dut1", time.Minute), coordination.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))
		require.NoError(t, h.Store.Delete(ctx, "lab/locks/dut1"))

		_, err := h.Store.Read(ctx, "lab/locks/dut1")
		assert.ErrorIs(t, err, coordination.ErrNotFound)
		assert.ErrorIs(t, h.Store.Delete(ctx, "lab/locks/dut1"), coordination.ErrNotFound)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))

		err := h.Store.CompareAndDelete(ctx, "lab/locks/dut1", "bob@ws2")
		assert.ErrorIs(t, err, coordination.ErrValueMismatch)

		_, err = h.Store.Read(ctx, "lab/locks/dut1")
		require.NoError(t, err, "mismatched compare-and-delete must keep the entry")

		require.NoError(t, h.Store.CompareAndDelete(ctx, "lab/locks/dut1", "alice@ws1"))
		assert.ErrorIs(t, h.Store.CompareAndDelete(ctx, "lab/locks/dut1", "alice@ws1"), coordination.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		h := newHarness(t)
		lister, ok := h.Store.(coordination.Lister)
		if !ok {
			t.Skip("backend does not implement Lister")
		}
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut2", "bob@ws2", time.Minute))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/short", "carol@ws3", time.Second))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/other/x", "dave@ws4", time.Minute))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks_x/y", "erin@ws5", time.Minute))
		h.Advance(2 * time.Second)

		entries, err := lister.List(ctx, "lab/locks/")
		require.NoError(t, err)

		var keys []string
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"lab/locks/dut1", "lab/locks/dut2"}, keys)
		assert.Equal(t, "alice@ws1", entries[0].Value)
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		h := newHarness(t)
		purger, ok := h.Store.(coordination.Purger)
		if !ok {
			t.Skip("backend does not implement Purger")
		}
		ctx := context.Background()

		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/a", "alice@ws1", time.Second))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/b", "bob@ws2", time.Second))
		require.NoError(t, h.Store.CreateIfAbsent(ctx, "lab/locks/c", "carol@ws3", time.Minute))
		h.Advance(2 * time.Second)

		count, err := purger.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, err = h.Store.Read(ctx, "lab/locks/c")
		assert.NoError(t, err)
	})
}
