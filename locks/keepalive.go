package locks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/metrics"
)

// keepAlive refreshes every registered lease at half the shortest TTL. One
// instance runs per Manager between the first acquire and ReleaseAll.
type keepAlive struct {
	m *Manager

	// passCtx is cancelled on stop so an in-flight refresh pass is abandoned
	passCtx    context.Context
	cancelPass context.CancelFunc

	// wake re-arms the timer when a lock with a shorter TTL is registered
	wake chan struct{}

	stopCh  chan struct{}
	done    chan struct{}
	stopCtx context.Context // written before stopCh is closed
	result  error           // written before done is closed
}

func newKeepAlive(m *Manager) *keepAlive {
	passCtx, cancel := context.WithCancel(context.Background())
	return &keepAlive{
		m:          m,
		passCtx:    passCtx,
		cancelPass: cancel,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// interval is recomputed every tick because locks with their own TTL may
// come and go.
func (k *keepAlive) interval() time.Duration {
	interval := k.m.registry.minTTL(k.m.cfg.TTL) / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (k *keepAlive) run() {
	defer close(k.done)

	logger := k.m.logger
	logger.Debug("Starting lock keep-alive loop", zap.Duration("interval", k.interval()))

	lastPass := time.Now()
	due := lastPass.Add(k.interval())
	timer := time.NewTimer(time.Until(due))
	defer timer.Stop()

	for {
		select {
		case <-k.stopCh:
			k.result = k.finalCleanup()
			logger.Debug("Lock keep-alive loop stopped")
			return
		case <-k.wake:
			// Pull the next pass forward only, never push it back
			if next := lastPass.Add(k.interval()); next.Before(due) {
				due = next
				timer.Reset(time.Until(due))
			}
		case <-timer.C:
			k.m.refreshAll(k.passCtx)
			lastPass = time.Now()
			due = lastPass.Add(k.interval())
			timer.Reset(time.Until(due))
		}
	}
}

// notify tells the loop the registry changed. It never blocks.
func (k *keepAlive) notify() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// finalCleanup releases every remaining lock under a context detached from
// the caller of stop, so a ReleaseAll that gives up waiting does not abort
// the remote deletes. The pass is bounded by the TTL, after which the leases
// lapse on their own.
func (k *keepAlive) finalCleanup() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(k.stopCtx), k.m.cfg.TTL)
	defer cancel()

	err := k.m.cleanup(ctx)
	if err != nil {
		k.m.logger.Error("Failed to release locks while stopping, they stay held until their leases expire",
			zap.Error(err))
	}
	return err
}

// stop signals the loop and waits for its cleanup pass or for ctx to end.
func (k *keepAlive) stop(ctx context.Context) error {
	k.stopCtx = ctx
	k.cancelPass()
	close(k.stopCh)

	select {
	case <-k.done:
		return k.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshAll extends every registered lease. A failure for one lock is
// logged and counted without stopping the pass.
func (m *Manager) refreshAll(ctx context.Context) {
	var failed int
	m.registry.ForEach(func(rec Record) {
		if ctx.Err() != nil {
			return
		}

		err := m.store.Refresh(ctx, rec.Key, rec.TTL)
		if err == nil {
			m.registry.touch(rec.Name, time.Now())
			metrics.LockRefreshesTotal.WithLabelValues("success").Inc()
			return
		}

		// Released while the pass was running
		if !m.registry.Contains(rec.Name) || ctx.Err() != nil {
			return
		}

		failed++
		if errors.Is(err, coordination.ErrNotFound) {
			metrics.LockRefreshesTotal.WithLabelValues("lost").Inc()
			m.logger.Error("Lock lease lost, entry no longer exists",
				zap.String("name", rec.Name),
				zap.String("key", rec.Key))
		} else {
			metrics.LockRefreshesTotal.WithLabelValues("failure").Inc()
			m.logger.Error("Failed to refresh lock",
				zap.String("name", rec.Name),
				zap.String("key", rec.Key),
				zap.Error(err))
		}

		if m.cfg.OnRenewalFailure != nil {
			m.cfg.OnRenewalFailure(rec.Name, err)
		}
	})

	if ctx.Err() != nil {
		return
	}

	if failed == 0 {
		if previous := m.failures.Swap(0); previous >= int64(m.cfg.RenewalFailureThreshold) {
			m.logger.Info("Lock renewal recovered", zap.Int64("failed_cycles", previous))
		}
		metrics.RenewalFailureCycles.Set(0)
		return
	}

	cycles := m.failures.Add(1)
	metrics.RenewalFailureCycles.Set(float64(cycles))
	if cycles == int64(m.cfg.RenewalFailureThreshold) {
		m.logger.Warn("Lock renewal has been failing, held locks may expire",
			zap.Int64("failed_cycles", cycles),
			zap.Int("held", m.registry.Len()))
	}
}
