// Package kvstore is the adapter's single persistence and coordination
// layer: every other package — the OAuth token manager, the response
// cache, the idempotency tracker, the webhook replay guard, the rate
// limiter's authoritative counter — stores its state here rather than
// keeping a bespoke table of its own.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrAlreadyExists is returned by CreateIfAbsentTTL when the key is already
// held by a live (non-expired) entry.
var ErrAlreadyExists = errors.New("kvstore: key already exists")

// Store is a small SQLite-backed key-value table supporting TTL expiry,
// atomic create-if-absent (used as a distributed lock across replicas
// sharing the same database file or network mount), and atomic increment
// (used for fixed-window rate-limit counters).
type Store struct {
	db      *sql.DB
	janitor *cron.Cron
}

// Open opens or creates the SQLite-backed store at dataDir/kv.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kv.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close stops the janitor, if running, and closes the database.
func (s *Store) Close() error {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	return s.db.Close()
}

// StartJanitor schedules a periodic sweep that deletes expired rows,
// following the standard cron.New().AddFunc wiring. spec is a five-field
// cron expression, e.g. "*/5 * * * *" for every five minutes.
func (s *Store) StartJanitor(spec string) error {
	s.janitor = cron.New()
	if _, err := s.janitor.AddFunc(spec, func() { _, _ = s.Prune() }); err != nil {
		return fmt.Errorf("kvstore: schedule janitor: %w", err)
	}
	s.janitor.Start()
	return nil
}

// Prune deletes all rows whose TTL has elapsed and returns the count removed.
func (s *Store) Prune() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("kvstore: prune: %w", err)
	}
	return result.RowsAffected()
}

// Get returns the value for key, or ErrNotFound if absent or expired.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullTime

	err := s.db.QueryRow(`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return nil, ErrNotFound
	}
	return value, nil
}

// TTLRemaining returns the time left before key expires. Returns zero and
// ErrNotFound if the key is absent, expired, or carries no expiry.
func (s *Store) TTLRemaining(key string) (time.Duration, error) {
	var expiresAt sql.NullTime
	err := s.db.QueryRow(`SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("kvstore: ttl remaining: %w", err)
	}
	if !expiresAt.Valid {
		return 0, ErrNotFound
	}
	remaining := time.Until(expiresAt.Time)
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

// SetTTL stores value under key, overwriting any existing entry. A zero ttl
// means the entry never expires.
func (s *Store) SetTTL(key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// CreateIfAbsentTTL atomically stores value under key only if no live entry
// already exists, returning ErrAlreadyExists otherwise. This is the
// adapter's distributed-lock primitive: the single-flight OAuth refresh
// lock and the webhook replay guard both build on it.
func (s *Store) CreateIfAbsentTTL(key string, value []byte, ttl time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt sql.NullTime
	err = tx.QueryRow(`SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	switch {
	case err == nil:
		if !expiresAt.Valid || time.Now().Before(expiresAt.Time) {
			return ErrAlreadyExists
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("kvstore: create-if-absent lookup: %w", err)
	}

	var newExpiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		newExpiresAt = &t
	}

	_, err = tx.Exec(
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, newExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("kvstore: create-if-absent insert: %w", err)
	}

	return tx.Commit()
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// IncrementTTL atomically increments the integer counter at key by delta,
// creating it with the given ttl if absent, and returns the new value.
// Used for the admission gate's fixed-window rate-limit counters.
func (s *Store) IncrementTTL(key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("kvstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value []byte
	var expiresAt sql.NullTime
	err = tx.QueryRow(`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)

	var current int64
	var keepExpiry *time.Time
	switch {
	case err == nil:
		if expiresAt.Valid && time.Now().After(expiresAt.Time) {
			current = 0
		} else {
			current = decodeInt64(value)
			if expiresAt.Valid {
				keepExpiry = &expiresAt.Time
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	default:
		return 0, fmt.Errorf("kvstore: increment lookup: %w", err)
	}

	next := current + delta

	if keepExpiry == nil && ttl > 0 {
		t := time.Now().Add(ttl)
		keepExpiry = &t
	}

	_, err = tx.Exec(
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, encodeInt64(next), keepExpiry,
	)
	if err != nil {
		return 0, fmt.Errorf("kvstore: increment insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kvstore: increment commit: %w", err)
	}
	return next, nil
}

func encodeInt64(v int64) []byte {
	return []byte(fmt.Sprintf("%d", v))
}

func decodeInt64(b []byte) int64 {
	var v int64
	_, _ = fmt.Sscanf(string(b), "%d", &v)
	return v
}
