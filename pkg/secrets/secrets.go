// Package secrets is the credential store: secrets live in the shared
// butler_secrets table with an environment-variable fallback on resolve.
// Secret values never appear in logs or metadata listings.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCredentialMissing marks a secret that could not be resolved anywhere.
var ErrCredentialMissing = errors.New("credential_missing")

// ErrCredentialInvalid marks a secret that resolved but failed validation.
var ErrCredentialInvalid = errors.New("credential_invalid")

// SecretMetadata describes a stored secret without its value.
type SecretMetadata struct {
	Key         string     `json:"key"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	IsSensitive bool       `json:"is_sensitive"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// String keeps accidental %v formatting free of anything value-shaped.
func (m SecretMetadata) String() string {
	return fmt.Sprintf("SecretMetadata(key=%s category=%s sensitive=%t)", m.Key, m.Category, m.IsSensitive)
}

// Store is the credential store over the shared schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a credential store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "secrets"),
	}
}

// StoreOptions carries optional attributes for Store.Store.
type StoreOptions struct {
	Description string
	IsSensitive bool
	ExpiresAt   *time.Time
}

// Store upserts a secret. Only the key and category are logged.
func (s *Store) Store(ctx context.Context, key, value, category string, opts StoreOptions) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO butler_secrets (secret_key, secret_value, category, description, is_sensitive, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (secret_key) DO UPDATE
		SET secret_value = EXCLUDED.secret_value,
		    category = EXCLUDED.category,
		    description = EXCLUDED.description,
		    is_sensitive = EXCLUDED.is_sensitive,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()`,
		key, value, category, opts.Description, opts.IsSensitive, opts.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing secret %q: %w", key, err)
	}
	s.logger.Info("Stored secret", "key", key, "category", category)
	return nil
}

// Load reads a secret from the database only. Returns ("", false, nil) when
// absent.
func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT secret_value FROM butler_secrets WHERE secret_key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading secret %q: %w", key, err)
	}
	return value, true, nil
}

// Resolve reads a secret from the database, then falls back to the
// environment variable of the same name when envFallback is set.
func (s *Store) Resolve(ctx context.Context, key string, envFallback bool) (string, bool, error) {
	value, found, err := s.Load(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		return value, true, nil
	}
	if envFallback {
		if env, ok := os.LookupEnv(key); ok {
			return env, true, nil
		}
	}
	return "", false, nil
}

// Has reports whether a secret exists in the database.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM butler_secrets WHERE secret_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking secret %q: %w", key, err)
	}
	return exists, nil
}

// Delete removes a secret, reporting whether a row was deleted.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM butler_secrets WHERE secret_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("deleting secret %q: %w", key, err)
	}
	deleted := tag.RowsAffected() > 0
	if deleted {
		s.logger.Info("Deleted secret", "key", key)
	}
	return deleted, nil
}

// ListSecrets returns metadata for stored secrets, optionally filtered by
// category. Values are never included.
func (s *Store) ListSecrets(ctx context.Context, category string) ([]SecretMetadata, error) {
	query := `
		SELECT secret_key, category, COALESCE(description, ''), is_sensitive, expires_at, updated_at
		FROM butler_secrets`
	args := []any{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY secret_key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var metas []SecretMetadata
	for rows.Next() {
		var m SecretMetadata
		if err := rows.Scan(&m.Key, &m.Category, &m.Description, &m.IsSensitive, &m.ExpiresAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}
