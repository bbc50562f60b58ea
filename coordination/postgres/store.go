// Package postgres implements the coordination store on PostgreSQL. Lease
// arithmetic runs on the database clock so hosts with skewed clocks agree on
// when a lock expires.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
)

const backend = "postgres"

// Store implements coordination.Store using PostgreSQL
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens the database, runs migrations and returns a ready store.
func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Lock traffic is small; keep the pool modest
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, coordination.Unavailable(backend, "connect", "", fmt.Errorf("failed to ping database: %w", err))
	}

	logger.Info("Running coordination store migrations")
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func (s *Store) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	var value string
	var remainingMs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, EXTRACT(EPOCH FROM (expires_at - now())) * 1000
		FROM lab_locks
		WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value, &remainingMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coordination.ErrNotFound
		}
		return nil, coordination.Unavailable(backend, "read", key, err)
	}

	return &coordination.Entry{
		Key:   key,
		Value: value,
		TTL:   time.Duration(remainingMs * float64(time.Millisecond)),
	}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	// ON CONFLICT ... WHERE only takes over rows whose lease has run out
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO lab_locks (key, value, expires_at, created_at)
		VALUES ($1, $2, now() + $3::double precision * interval '1 millisecond', now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE lab_locks.expires_at <= now()`,
		key, value, millis(ttl),
	)
	if err != nil {
		return coordination.Unavailable(backend, "create", key, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return coordination.Unavailable(backend, "create", key, err)
	}
	if affected == 0 {
		return coordination.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE lab_locks SET expires_at = now() + $2::double precision * interval '1 millisecond'
		WHERE key = $1 AND expires_at > now()`,
		key, millis(ttl),
	)
	return checkAffected(result, err, "refresh", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM lab_locks WHERE key = $1 AND expires_at > now()`,
		key,
	)
	return checkAffected(result, err, "delete", key)
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) error {
	// The CTE reports what was there so one round trip decides the outcome
	var found, deleted bool
	err := s.db.QueryRowContext(ctx, `
		WITH current AS (
			SELECT value FROM lab_locks WHERE key = $1 AND expires_at > now()
		), removed AS (
			DELETE FROM lab_locks WHERE key = $1 AND value = $2 AND expires_at > now()
			RETURNING key
		)
		SELECT EXISTS (SELECT 1 FROM current), EXISTS (SELECT 1 FROM removed)`,
		key, value,
	).Scan(&found, &deleted)
	if err != nil {
		return coordination.Unavailable(backend, "compare_and_delete", key, err)
	}

	switch {
	case deleted:
		return nil
	case found:
		return coordination.ErrValueMismatch
	default:
		return coordination.ErrNotFound
	}
}

// List returns live entries whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, EXTRACT(EPOCH FROM (expires_at - now())) * 1000
		FROM lab_locks
		WHERE key LIKE $1 ESCAPE '\' AND expires_at > now()
		ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, coordination.Unavailable(backend, "list", prefix, err)
	}
	defer rows.Close()

	var entries []coordination.Entry
	for rows.Next() {
		var entry coordination.Entry
		var remainingMs float64
		if err := rows.Scan(&entry.Key, &entry.Value, &remainingMs); err != nil {
			return nil, fmt.Errorf("failed to scan lock entry: %w", err)
		}
		entry.TTL = time.Duration(remainingMs * float64(time.Millisecond))
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, coordination.Unavailable(backend, "list", prefix, err)
	}
	return entries, nil
}

// PurgeExpired removes rows whose lease has run out.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lab_locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, coordination.Unavailable(backend, "purge", "", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, coordination.Unavailable(backend, "purge", "", err)
	}
	return int(affected), nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func checkAffected(result sql.Result, err error, op, key string) error {
	if err != nil {
		return coordination.Unavailable(backend, op, key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return coordination.Unavailable(backend, op, key, err)
	}
	if affected == 0 {
		return coordination.ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
