package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/config"
	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/discovery"
	"github.com/ebogdum/lablock/coordination/httpstore"
	"github.com/ebogdum/lablock/coordination/memory"
	"github.com/ebogdum/lablock/coordination/postgres"
	"github.com/ebogdum/lablock/coordination/redis"
	"github.com/ebogdum/lablock/coordination/sqlite"
)

// Default SRV service names per backend, as in _redis._tcp.<domain>
const (
	defaultRedisService   = "redis"
	defaultGatewayService = "lablock"
)

// lookupSRV is replaced in tests
var lookupSRV = discovery.Lookup

// openStore opens the configured backend and wraps it with metrics and the
// per-operation timeout.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (coordination.Store, error) {
	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return coordination.WithOpTimeout(coordination.Instrument(store, cfg.Type), cfg.OpTimeout), nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (coordination.Store, error) {
	switch cfg.Type {
	case config.StoreMemory:
		logger.Warn("Using the in-memory store, locks are only shared within this process")
		return memory.NewStore(), nil

	case config.StoreRedis:
		addrs, err := candidates(ctx, cfg, defaultRedisService, cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		return firstAvailable(addrs, logger, func(addr string) (coordination.Store, error) {
			return redis.NewStore(ctx, redis.Config{
				Addr:      addr,
				Password:  cfg.RedisPassword,
				DB:        cfg.RedisDB,
				KeyPrefix: cfg.RedisKeyPrefix,
			}, logger)
		})

	case config.StorePostgres:
		logger.Info("Opening PostgreSQL coordination store")
		return postgres.NewStore(ctx, cfg.PostgresDSN, logger)

	case config.StoreSQLite:
		logger.Info("Opening SQLite coordination store", zap.String("path", cfg.SQLitePath))
		return sqlite.NewStore(cfg.SQLitePath, logger)

	case config.StoreHTTP:
		endpoints := []string{cfg.HTTPEndpoint}
		if cfg.DiscoveryDomain != "" {
			addrs, err := candidates(ctx, cfg, defaultGatewayService, cfg.HTTPEndpoint, logger)
			if err != nil {
				return nil, err
			}
			endpoints = endpoints[:0]
			for _, addr := range addrs {
				endpoints = append(endpoints, "http://"+addr)
			}
		}
		return firstAvailable(endpoints, logger, func(endpoint string) (coordination.Store, error) {
			client, err := httpstore.NewClient(endpoint, cfg.HTTPAPIKey, logger)
			if err != nil {
				return nil, err
			}
			if err := client.Ping(ctx); err != nil {
				_ = client.Close()
				return nil, err
			}
			return client, nil
		})

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// candidates returns the addresses to try: the SRV targets when discovery is
// configured, otherwise the static address.
func candidates(ctx context.Context, cfg config.StoreConfig, defaultService, static string, logger *zap.Logger) ([]string, error) {
	if cfg.DiscoveryDomain == "" {
		return []string{static}, nil
	}

	service := cfg.DiscoveryService
	if service == "" {
		service = defaultService
	}

	endpoints, err := lookupSRV(ctx, service, cfg.DiscoveryDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s store: %w", cfg.Type, err)
	}

	addrs := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		addrs = append(addrs, ep.Addr())
	}
	logger.Debug("Discovered coordination store endpoints",
		zap.String("service", service),
		zap.String("domain", cfg.DiscoveryDomain),
		zap.Strings("endpoints", addrs))
	return addrs, nil
}

// firstAvailable opens each address in turn and returns the first store
// that connects.
func firstAvailable(addrs []string, logger *zap.Logger, open func(addr string) (coordination.Store, error)) (coordination.Store, error) {
	var errs []error
	for _, addr := range addrs {
		store, err := open(addr)
		if err == nil {
			logger.Info("Connected to coordination store", zap.String("addr", addr))
			return store, nil
		}
		logger.Warn("Coordination store endpoint unavailable",
			zap.String("addr", addr),
			zap.Error(err))
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, discovery.ErrNoEndpoints
	}
	return nil, errors.Join(errs...)
}
