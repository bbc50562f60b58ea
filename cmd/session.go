package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/config"
	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/internal/logging"
	"github.com/ebogdum/lablock/locks"
)

// releaseTimeout bounds the final ReleaseAll of a CLI session
const releaseTimeout = 15 * time.Second

// session bundles what every lock command needs
type session struct {
	cfg    config.AppConfig
	logger *zap.Logger
	store  coordination.Store
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}

	return &session{cfg: cfg, logger: logger, store: store}, nil
}

func (s *session) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close coordination store", zap.Error(err))
	}
	// Syncing stderr fails on some platforms; nothing useful can be done about it
	_ = s.logger.Sync()
}

func (s *session) newManager(user string) (*locks.Manager, error) {
	lockCfg := s.cfg.Lock
	if user == "" {
		user = lockCfg.User
	}

	return locks.NewManager(s.store, locks.Config{
		Namespace:               lockCfg.Namespace,
		TTL:                     lockCfg.TTL,
		PollInterval:            lockCfg.PollInterval,
		Grace:                   lockCfg.Grace,
		User:                    user,
		ReleaseMode:             locks.ReleaseMode(lockCfg.ReleaseMode),
		RenewalFailureThreshold: lockCfg.RenewalFailureThreshold,
	}, s.logger)
}

// releaseAll releases every lock held by mgr with a fresh context, so it
// still runs after the command context has been cancelled.
func (s *session) releaseAll(mgr *locks.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := mgr.ReleaseAll(ctx); err != nil {
		s.logger.Error("Failed to release locks", zap.Error(err))
	}
}

// startMetricsListener serves /metrics for long-running lock holders when a
// listen address is configured. It returns a shutdown function.
func (s *session) startMetricsListener() func() {
	addr := s.cfg.Metrics.ListenAddr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics listener failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// acquireOptions turns the --timeout flag into Acquire options. An unset
// flag keeps the default wait of the holder's remaining lease plus grace.
func acquireOptions(timeoutSet bool, timeout time.Duration) []locks.AcquireOption {
	if !timeoutSet {
		return nil
	}
	return []locks.AcquireOption{locks.WithTimeout(timeout)}
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
