package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Store reads triage rules, affinity settings, and routing history from the
// switchboard schema. Rules are cached briefly so triage stays bounded even
// under ingest bursts.
type Store struct {
	pool     *pgxpool.Pool
	cacheTTL time.Duration

	mu        sync.Mutex
	cached    []Rule
	cachedAt  time.Time
	haveCache bool
}

// NewStore creates a triage store. cacheTTL <= 0 disables rule caching.
func NewStore(pool *pgxpool.Pool, cacheTTL time.Duration) *Store {
	return &Store{pool: pool, cacheTTL: cacheTTL}
}

// Rules returns the current rule set, served from cache within the TTL.
func (s *Store) Rules(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	if s.haveCache && s.cacheTTL > 0 && time.Since(s.cachedAt) < s.cacheTTL {
		rules := make([]Rule, len(s.cached))
		copy(rules, s.cached)
		s.mu.Unlock()
		return rules, nil
	}
	s.mu.Unlock()

	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_type, condition, action, priority, created_at
		FROM triage_rules
		ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying triage rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.RuleType, &r.Condition, &r.Action, &r.Priority, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning triage rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading triage rules: %w", err)
	}

	s.mu.Lock()
	s.cached = rules
	s.cachedAt = time.Now()
	s.haveCache = true
	s.mu.Unlock()

	out := make([]Rule, len(rules))
	copy(out, rules)
	return out, nil
}

// InvalidateRules drops the rule cache. Called after rule CRUD.
func (s *Store) InvalidateRules() {
	s.mu.Lock()
	s.haveCache = false
	s.mu.Unlock()
}

// CreateRule inserts a rule and invalidates the cache.
func (s *Store) CreateRule(ctx context.Context, ruleType string, condition any, action string, priority int) (int64, error) {
	condJSON, err := json.Marshal(condition)
	if err != nil {
		return 0, fmt.Errorf("marshaling rule condition: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO triage_rules (rule_type, condition, action, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		ruleType, condJSON, action, priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting triage rule: %w", err)
	}
	s.InvalidateRules()
	return id, nil
}

// DeleteRule removes a rule and invalidates the cache.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM triage_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting triage rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("triage rule %d not found", id)
	}
	s.InvalidateRules()
	return nil
}

// LoadAffinitySettings reads the singleton settings row, falling back to the
// safe defaults when the row is absent.
func (s *Store) LoadAffinitySettings(ctx context.Context) (AffinitySettings, error) {
	settings := DefaultAffinitySettings()
	var overrides []byte
	err := s.pool.QueryRow(ctx, `
		SELECT thread_affinity_enabled, thread_affinity_ttl_days, thread_overrides
		FROM thread_affinity_settings
		WHERE id = 1`).Scan(&settings.Enabled, &settings.TTLDays, &overrides)
	if err != nil {
		if isNoRows(err) {
			return DefaultAffinitySettings(), nil
		}
		return settings, fmt.Errorf("loading affinity settings: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &settings.Overrides); err != nil {
			return settings, fmt.Errorf("parsing thread overrides: %w", err)
		}
	}
	return settings, nil
}

// ThreadHistory returns routing-log targets for an email thread, newest
// first, without a time filter (TTL windowing happens in the caller).
func (s *Store) ThreadHistory(ctx context.Context, threadID, sourceChannel string) ([]HistoryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_butler, created_at
		FROM routing_log
		WHERE source_channel = $1 AND thread_id = $2 AND success
		ORDER BY created_at DESC
		LIMIT 50`,
		sourceChannel, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread history: %w", err)
	}
	defer rows.Close()

	var history []HistoryRow
	for rows.Next() {
		var row HistoryRow
		if err := rows.Scan(&row.TargetButler, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread history: %w", err)
		}
		history = append(history, row)
	}
	return history, rows.Err()
}
