package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ebogdum/lablock/coordination/storetest"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "locks.sqlite3"), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := storetest.NewClock()
		return storetest.Harness{Store: newTestStore(t, WithClock(clock.Now)), Advance: clock.Advance}
	})
}

func TestStoreListMatchesPrefixLiterally(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/a_1", "alice@ws1", time.Minute))
	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/ab1", "bob@ws2", time.Minute))
	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/a%2", "carol@ws3", time.Minute))

	entries, err := store.List(ctx, "lab/locks/a_")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lab/locks/a_1", entries[0].Key)

	entries, err = store.List(ctx, "lab/locks/a%")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lab/locks/a%2", entries[0].Key)
}

func TestStoreListIsCaseSensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))
	require.NoError(t, store.CreateIfAbsent(ctx, "LAB/LOCKS/dut2", "bob@ws2", time.Minute))

	entries, err := store.List(ctx, "lab/locks/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lab/locks/dut1", entries[0].Key)
}

func TestStoreSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.sqlite3")
	first, err := NewStore(path, nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewStore(path, nil)
	require.NoError(t, err)
	defer second.Close()

	ctx := context.Background()
	require.NoError(t, first.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))

	entry, err := second.Read(ctx, "lab/locks/dut1")
	require.NoError(t, err)
	assert.Equal(t, "alice@ws1", entry.Value)
}
