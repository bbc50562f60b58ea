package coordination_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/memory"
	"github.com/ebogdum/lablock/metrics"
)

type readOnlyStore struct {
	coordination.Store
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	store := coordination.Instrument(memory.NewStore(), "instrument_test")
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute))
	assert.ErrorIs(t, store.CreateIfAbsent(ctx, "lab/locks/dut1", "bob@ws2", time.Minute), coordination.ErrAlreadyExists)
	_, err := store.Read(ctx, "lab/locks/missing")
	assert.ErrorIs(t, err, coordination.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("instrument_test", "create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("instrument_test", "create", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("instrument_test", "read", "not_found")))

	require.NoError(t, store.Close())
	_, err = store.Read(ctx, "lab/locks/dut1")
	assert.True(t, errors.Is(err, coordination.ErrUnavailable))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("instrument_test", "read", "error")))
}

func TestInstrumentForwardsOptionalInterfaces(t *testing.T) {
	full := coordination.Instrument(memory.NewStore(), "instrument_forward")
	_, canList := full.(coordination.Lister)
	_, canPurge := full.(coordination.Purger)
	assert.True(t, canList)
	assert.True(t, canPurge)

	bare := coordination.Instrument(readOnlyStore{memory.NewStore()}, "instrument_bare")
	_, canList = bare.(coordination.Lister)
	_, canPurge = bare.(coordination.Purger)
	assert.False(t, canList)
	assert.False(t, canPurge)
}

func TestUnavailableWrapping(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:6379: connection refused")
	err := coordination.Unavailable("redis", "read", "lab/locks/dut1", cause)

	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `redis read "lab/locks/dut1" failed`)

	// Already classified errors pass through untouched
	assert.Same(t, err, coordination.Unavailable("http", "read", "x", err))
	assert.NoError(t, coordination.Unavailable("redis", "read", "x", nil))
}

// blockingStore waits for its context on every read.
type blockingStore struct {
	coordination.Store
}

func (s blockingStore) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	<-ctx.Done()
	return nil, coordination.Unavailable("blocking", "read", key, ctx.Err())
}

func TestWithOpTimeoutBoundsCalls(t *testing.T) {
	store := coordination.WithOpTimeout(blockingStore{memory.NewStore()}, 50*time.Millisecond)

	start := time.Now()
	_, err := store.Read(context.Background(), "lab/locks/dut1")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithOpTimeoutForwardsOptionalInterfaces(t *testing.T) {
	inner := memory.NewStore()
	assert.Same(t, inner, coordination.WithOpTimeout(inner, 0))

	wrapped := coordination.WithOpTimeout(inner, time.Second)
	_, canList := wrapped.(coordination.Lister)
	_, canPurge := wrapped.(coordination.Purger)
	assert.True(t, canList)
	assert.True(t, canPurge)
}
