package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
)

const purgeTimeout = 30 * time.Second

// StartPurgeWorker starts a background goroutine that periodically removes
// expired entries from backends that keep them until deleted. It returns a
// channel that is closed once the worker has exited.
func StartPurgeWorker(ctx context.Context, purger coordination.Purger, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if purger == nil || interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)

		logger.Info("Starting expired entry purge worker",
			zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				purgeOnce(ctx, purger, logger)
			case <-ctx.Done():
				logger.Info("Purge worker shutting down")
				return
			}
		}
	}()
	return done
}

// purgeOnce runs one purge pass
func purgeOnce(ctx context.Context, purger coordination.Purger, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	count, err := purger.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to purge expired entries", zap.Error(err))
		}
		return
	}
	if count > 0 {
		logger.Info("Purged expired entries", zap.Int("count", count))
	}
}
