package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
)

const backend = "redis"

// compareAndDelete deletes KEYS[1] only if it holds ARGV[1].
// Returns -1 when the key is missing, 0 on mismatch and 1 when deleted.
var compareAndDelete = redis.NewScript(`
	local current = redis.call("get", KEYS[1])
	if not current then
		return -1
	end
	if current == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Config holds Redis connection settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements coordination.Store on top of Redis key expiry.
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, coordination.Unavailable(backend, "connect", cfg.Addr, fmt.Errorf("failed to connect to Redis: %w", err))
	}

	logger.Debug("Connected to Redis coordination store",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix))

	return &Store{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

func (s *Store) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	pipe := s.client.TxPipeline()
	get := pipe.Get(ctx, s.redisKey(key))
	pttl := pipe.PTTL(ctx, s.redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, coordination.Unavailable(backend, "read", key, err)
	}

	value, err := get.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, coordination.ErrNotFound
		}
		return nil, coordination.Unavailable(backend, "read", key, err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		// -1: no expiry set, -2: vanished between the two commands
		ttl = 0
	}

	return &coordination.Entry{Key: key, Value: value, TTL: ttl}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	created, err := s.client.SetNX(ctx, s.redisKey(key), value, ttl).Result()
	if err != nil {
		return coordination.Unavailable(backend, "create", key, err)
	}
	if !created {
		return coordination.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	extended, err := s.client.PExpire(ctx, s.redisKey(key), ttl).Result()
	if err != nil {
		return coordination.Unavailable(backend, "refresh", key, err)
	}
	if !extended {
		return coordination.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return coordination.Unavailable(backend, "delete", key, err)
	}
	if deleted == 0 {
		return coordination.ErrNotFound
	}
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) error {
	result, err := compareAndDelete.Run(ctx, s.client, []string{s.redisKey(key)}, value).Int64()
	if err != nil {
		return coordination.Unavailable(backend, "compare_and_delete", key, err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return coordination.ErrNotFound
	default:
		s.logger.Debug("Entry owned by another holder, not deleted",
			zap.String("key", key),
			zap.String("expected", value))
		return coordination.ErrValueMismatch
	}
}

// List scans for keys under prefix. Keys that expire mid-scan are skipped.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	pattern := escapeGlob(s.redisKey(prefix)) + "*"

	var (
		cursor  uint64
		entries []coordination.Entry
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, coordination.Unavailable(backend, "list", prefix, err)
		}

		for _, redisKey := range keys {
			key := strings.TrimPrefix(redisKey, s.prefix)
			entry, err := s.Read(ctx, key)
			if err != nil {
				if errors.Is(err, coordination.ErrNotFound) {
					continue
				}
				return nil, err
			}
			entries = append(entries, *entry)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close closes the Redis client connection
func (s *Store) Close() error {
	return s.client.Close()
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
