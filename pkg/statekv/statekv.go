// Package statekv is the per-butler JSONB key/value store with versioned
// writes and optimistic compare-and-set.
package statekv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CASConflict reports a failed compare-and-set. Actual is nil when the key
// does not exist.
type CASConflict struct {
	Key      string
	Expected int64
	Actual   *int64
}

func (e *CASConflict) Error() string {
	if e.Actual == nil {
		return fmt.Sprintf("cas_conflict: key %q expected version %d, key missing", e.Key, e.Expected)
	}
	return fmt.Sprintf("cas_conflict: key %q expected version %d, actual %d", e.Key, e.Expected, *e.Actual)
}

// IsCASConflict reports whether err is a compare-and-set conflict.
func IsCASConflict(err error) bool {
	var conflict *CASConflict
	return errors.As(err, &conflict)
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Store is the state_kv table in one butler's schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a state store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the stored value, or (nil, false, nil) when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT value FROM state_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting state key %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a value and returns the new version: 1 on insert, previous+1
// on update.
func (s *Store) Set(ctx context.Context, key string, value any) (int64, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshaling state value for %q: %w", key, err)
	}
	var version int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO state_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, version = state_kv.version + 1, updated_at = now()
		RETURNING version`,
		key, valueJSON).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("setting state key %q: %w", key, err)
	}
	return version, nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM state_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting state key %q: %w", key, err)
	}
	return nil
}

// List returns keys (optionally with values) matching a prefix. An empty
// prefix lists everything.
func (s *Store) List(ctx context.Context, prefix string, keysOnly bool) ([]Entry, error) {
	columns := "key, NULL::jsonb"
	if !keysOnly {
		columns = "key, value"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM state_kv WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing state keys: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning state entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompareAndSet writes value only when the stored version equals
// expectedVersion, returning the new version. On mismatch it returns a
// *CASConflict carrying the actual version (nil when the key is missing)
// and leaves the stored value untouched.
func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, value any) (int64, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshaling state value for %q: %w", key, err)
	}

	var version int64
	err = s.pool.QueryRow(ctx, `
		UPDATE state_kv
		SET value = $3, version = version + 1, updated_at = now()
		WHERE key = $1 AND version = $2
		RETURNING version`,
		key, expectedVersion, valueJSON).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("compare-and-set on %q: %w", key, err)
	}

	// The guarded update matched nothing: report the actual version.
	var actual int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM state_kv WHERE key = $1`, key).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &CASConflict{Key: key, Expected: expectedVersion}
		}
		return 0, fmt.Errorf("reading version for %q: %w", key, err)
	}
	return 0, &CASConflict{Key: key, Expected: expectedVersion, Actual: &actual}
}
