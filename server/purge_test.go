package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/memory"
	"github.com/ebogdum/lablock/coordination/storetest"
)

func TestPurgeWorkerRemovesExpired(t *testing.T) {
	clock := storetest.NewClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/a", "alice@ws1", time.Second))
	require.NoError(t, store.CreateIfAbsent(ctx, "lab/locks/b", "bob@ws2", time.Hour))
	clock.Advance(2 * time.Second)

	workerCtx, cancel := context.WithCancel(ctx)
	done := StartPurgeWorker(workerCtx, store, 10*time.Millisecond, zaptest.NewLogger(t))

	assert.Eventually(t, func() bool {
		return store.Len() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge worker did not stop")
	}
}

func TestPurgeWorkerDisabled(t *testing.T) {
	var purger coordination.Purger
	done := StartPurgeWorker(context.Background(), purger, time.Second, zaptest.NewLogger(t))

	select {
	case <-done:
	default:
		t.Fatal("worker without a purger should not run")
	}
}
