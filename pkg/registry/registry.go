// Package registry maintains the authoritative catalog of reachable
// butlers and exposes the routing primitives built on it: single-target
// routing, mailbox post, classification fan-out, and fleet ticking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Eligibility states.
const (
	StateActive      = "active"
	StateQuarantined = "quarantined"
	StateDraining    = "draining"
)

// Operational errors surfaced as {error} in tool responses.
var (
	ErrButlerNotFound    = errors.New("butler_not_found")
	ErrButlerUnreachable = errors.New("butler_unreachable")
	ErrButlerIneligible  = errors.New("butler_ineligible")
	ErrMailboxNotEnabled = errors.New("mailbox_not_enabled")
)

// Butler is one registry row.
type Butler struct {
	Name               string         `json:"name"`
	EndpointURL        string         `json:"endpoint_url"`
	Description        string         `json:"description"`
	Modules            []string       `json:"modules"`
	LastSeenAt         *time.Time     `json:"last_seen_at,omitempty"`
	EligibilityState   string         `json:"eligibility_state"`
	LivenessTTLSeconds int            `json:"liveness_ttl_seconds"`
	QuarantinedAt      *time.Time     `json:"quarantined_at,omitempty"`
	QuarantineReason   *string        `json:"quarantine_reason,omitempty"`
	RouteContractMin   string         `json:"route_contract_min"`
	RouteContractMax   string         `json:"route_contract_max"`
	Capabilities       map[string]any `json:"capabilities"`
	RegisteredAt       time.Time      `json:"registered_at"`
}

// Eligible reports whether the butler may receive new routes: active and
// seen within its liveness TTL.
func (b *Butler) Eligible(now time.Time) bool {
	if b.EligibilityState != StateActive {
		return false
	}
	if b.LastSeenAt == nil {
		return false
	}
	return now.Sub(*b.LastSeenAt) <= time.Duration(b.LivenessTTLSeconds)*time.Second
}

// HasModule reports whether the butler declares a module.
func (b *Butler) HasModule(name string) bool {
	for _, m := range b.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// Registration is the input to Register.
type Registration struct {
	Name               string
	EndpointURL        string
	Description        string
	Modules            []string
	Capabilities       map[string]any
	RouteContractMin   string
	RouteContractMax   string
	LivenessTTLSeconds int
}

// Store is the butler_registry and routing_log tables in the switchboard
// schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a registry store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Register upserts a butler and refreshes last_seen_at.
func (s *Store) Register(ctx context.Context, reg Registration) error {
	if reg.RouteContractMin == "" {
		reg.RouteContractMin = "route.v1"
	}
	if reg.RouteContractMax == "" {
		reg.RouteContractMax = "route.v1"
	}
	if reg.LivenessTTLSeconds <= 0 {
		reg.LivenessTTLSeconds = 90
	}
	if reg.Modules == nil {
		reg.Modules = []string{}
	}
	if reg.Capabilities == nil {
		reg.Capabilities = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO butler_registry
			(name, endpoint_url, description, modules, capabilities,
			 route_contract_min, route_contract_max, liveness_ttl_seconds, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (name) DO UPDATE
		SET endpoint_url = EXCLUDED.endpoint_url,
		    description = EXCLUDED.description,
		    modules = EXCLUDED.modules,
		    capabilities = EXCLUDED.capabilities,
		    route_contract_min = EXCLUDED.route_contract_min,
		    route_contract_max = EXCLUDED.route_contract_max,
		    liveness_ttl_seconds = EXCLUDED.liveness_ttl_seconds,
		    last_seen_at = now()`,
		reg.Name, reg.EndpointURL, reg.Description, reg.Modules, reg.Capabilities,
		reg.RouteContractMin, reg.RouteContractMax, reg.LivenessTTLSeconds)
	if err != nil {
		return fmt.Errorf("registering butler %q: %w", reg.Name, err)
	}
	return nil
}

// Get returns one butler by name.
func (s *Store) Get(ctx context.Context, name string) (*Butler, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, endpoint_url, description, modules, last_seen_at,
		       eligibility_state, liveness_ttl_seconds, quarantined_at,
		       quarantine_reason, route_contract_min, route_contract_max,
		       capabilities, registered_at
		FROM butler_registry
		WHERE name = $1`, name)
	b, err := scanButler(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
		}
		return nil, fmt.Errorf("reading butler %q: %w", name, err)
	}
	return b, nil
}

// List returns every registered butler, sorted by name.
func (s *Store) List(ctx context.Context) ([]Butler, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, endpoint_url, description, modules, last_seen_at,
		       eligibility_state, liveness_ttl_seconds, quarantined_at,
		       quarantine_reason, route_contract_min, route_contract_max,
		       capabilities, registered_at
		FROM butler_registry
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing butlers: %w", err)
	}
	defer rows.Close()

	var butlers []Butler
	for rows.Next() {
		b, err := scanButler(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning butler: %w", err)
		}
		butlers = append(butlers, *b)
	}
	return butlers, rows.Err()
}

func scanButler(row pgx.Row) (*Butler, error) {
	var b Butler
	err := row.Scan(&b.Name, &b.EndpointURL, &b.Description, &b.Modules, &b.LastSeenAt,
		&b.EligibilityState, &b.LivenessTTLSeconds, &b.QuarantinedAt,
		&b.QuarantineReason, &b.RouteContractMin, &b.RouteContractMax,
		&b.Capabilities, &b.RegisteredAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Touch refreshes last_seen_at, the liveness signal.
func (s *Store) Touch(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("touching butler %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return nil
}

// Quarantine blocks routing to a butler until cleared. Operator-initiated.
func (s *Store) Quarantine(ctx context.Context, name, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $2, quarantined_at = now(), quarantine_reason = $3
		WHERE name = $1`,
		name, StateQuarantined, reason)
	if err != nil {
		return fmt.Errorf("quarantining butler %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return nil
}

// ClearQuarantine restores a butler to active.
func (s *Store) ClearQuarantine(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $2, quarantined_at = NULL, quarantine_reason = NULL
		WHERE name = $1`,
		name, StateActive)
	if err != nil {
		return fmt.Errorf("clearing quarantine for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return nil
}

// SetDraining marks a butler as draining: in-flight work finishes but no
// new routes are accepted.
func (s *Store) SetDraining(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE butler_registry SET eligibility_state = $2 WHERE name = $1`,
		name, StateDraining)
	if err != nil {
		return fmt.Errorf("draining butler %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return nil
}

// RoutingLogEntry is one append-only routing record.
type RoutingLogEntry struct {
	SourceButler  string
	TargetButler  string
	ToolName      string
	Success       bool
	DurationMS    *int64
	Error         *string
	SourceChannel *string
	ThreadID      *string
}

// LogRouting appends one routing record. Failures here are the caller's to
// log; routing never depends on the log write.
func (s *Store) LogRouting(ctx context.Context, entry RoutingLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO routing_log
			(source_butler, target_butler, tool_name, success, duration_ms, error, source_channel, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.SourceButler, entry.TargetButler, entry.ToolName, entry.Success,
		entry.DurationMS, entry.Error, entry.SourceChannel, entry.ThreadID)
	if err != nil {
		return fmt.Errorf("appending routing log: %w", err)
	}
	return nil
}
