// Package sqlite implements the coordination store on a SQLite file. It is
// meant for labs where every session runs on the same host (or shares the
// file over a filesystem with working POSIX locks).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ebogdum/lablock/coordination"
)

const backend = "sqlite"

// Store keeps leases in a lab_locks table with unix millisecond expiry.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now for expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, coordination.Unavailable(backend, "connect", dbPath, fmt.Errorf("failed to ping sqlite database: %w", err))
	}

	store := &Store{db: db, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Opened SQLite coordination store", zap.String("path", dbPath))
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS lab_locks (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lab_locks_expires_at ON lab_locks(expires_at);
`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Store) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	now := s.nowMillis()

	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM lab_locks WHERE key = ? AND expires_at > ?`,
		key, now,
	).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coordination.ErrNotFound
		}
		return nil, coordination.Unavailable(backend, "read", key, err)
	}

	return &coordination.Entry{
		Key:   key,
		Value: value,
		TTL:   time.Duration(expiresAt-now) * time.Millisecond,
	}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.nowMillis()

	// An expired row is taken over in place; a live one blocks the upsert.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO lab_locks (key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
		WHERE lab_locks.expires_at <= ?`,
		key, value, now+ttl.Milliseconds(), now, now,
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
	now := s.nowMillis()

	result, err := s.db.ExecContext(ctx,
		`UPDATE lab_locks SET expires_at = ? WHERE key = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), key, now,
	)
	return s.checkAffected(result, err, "refresh", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM lab_locks WHERE key = ? AND expires_at > ?`,
		key, s.nowMillis(),
	)
	return s.checkAffected(result, err, "delete", key)
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) error {
	now := s.nowMillis()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM lab_locks WHERE key = ? AND value = ? AND expires_at > ?`,
		key, value, now,
	)
	err = s.checkAffected(result, err, "compare_and_delete", key)
	if !errors.Is(err, coordination.ErrNotFound) {
		return err
	}

	// Nothing deleted: tell a foreign holder apart from a missing entry
	if _, readErr := s.Read(ctx, key); readErr == nil {
		return coordination.ErrValueMismatch
	} else if !errors.Is(readErr, coordination.ErrNotFound) {
		return readErr
	}
	return coordination.ErrNotFound
}

// List returns live entries whose key starts with prefix. instr compares
// bytes exactly, where LIKE would fold ASCII case and treat % and _ as
// wildcards.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	now := s.nowMillis()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, expires_at FROM lab_locks
		WHERE instr(key, ?) = 1 AND expires_at > ?
		ORDER BY key`,
		prefix, now,
	)
	if err != nil {
		return nil, coordination.Unavailable(backend, "list", prefix, err)
	}
	defer rows.Close()

	var entries []coordination.Entry
	for rows.Next() {
		var entry coordination.Entry
		var expiresAt int64
		if err := rows.Scan(&entry.Key, &entry.Value, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock entry: %w", err)
		}
		entry.TTL = time.Duration(expiresAt-now) * time.Millisecond
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, coordination.Unavailable(backend, "list", prefix, err)
	}
	return entries, nil
}

// PurgeExpired removes rows whose lease has run out.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lab_locks WHERE expires_at <= ?`, s.nowMillis())
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

func (s *Store) checkAffected(result sql.Result, err error, op, key string) error {
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
