package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := storetest.NewClock()
		return storetest.Harness{Store: NewStore(WithClock(clock.Now)), Advance: clock.Advance}
	})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())

	_, err := s.Read(context.Background(), "lab/locks/dut1")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)

	var unavailable *coordination.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "memory", unavailable.Backend)
	assert.Equal(t, "read", unavailable.Op)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.CreateIfAbsent(ctx, "lab/locks/dut1", "alice@ws1", time.Minute)
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
