// Package inbox is the durable route inbox: every admitted route envelope
// is persisted before dispatch and recovered after a crash, giving
// at-least-once delivery to the butler's runtime.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lifecycle states. Transitions form a DAG:
// accepted → processing → processed | errored.
const (
	StateAccepted   = "accepted"
	StateProcessing = "processing"
	StateProcessed  = "processed"
	StateErrored    = "errored"
)

// DefaultGraceSeconds is how old a row must be before a recovery sweep
// will pick it up, so sweeps do not race rows an in-flight worker just
// inserted.
const DefaultGraceSeconds = 10

// ErrRowNotFound marks operations against an unknown inbox row.
var ErrRowNotFound = errors.New("route inbox row not found")

// Row is one durable inbox entry.
type Row struct {
	ID             int64
	RouteEnvelope  json.RawMessage
	LifecycleState string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
	SessionID      *string
	ErrorText      *string
}

// DispatchFunc processes one recovered row.
type DispatchFunc func(ctx context.Context, rowID int64, envelope json.RawMessage) error

// Store is the route_inbox table in one butler's schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an inbox store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "route-inbox"),
	}
}

// Insert persists an envelope in the accepted state and returns the row id.
func (s *Store) Insert(ctx context.Context, envelope json.RawMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO route_inbox (route_envelope, lifecycle_state)
		VALUES ($1, $2)
		RETURNING id`,
		envelope, StateAccepted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting route envelope: %w", err)
	}
	return id, nil
}

// MarkProcessing transitions accepted → processing. Returns false when the
// row is not in accepted (another worker won the CAS, or the row is
// terminal).
func (s *Store) MarkProcessing(ctx context.Context, rowID int64) (bool, error) {
	return s.cas(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2
		WHERE id = $1 AND lifecycle_state = $3`,
		rowID, StateProcessing, StateAccepted)
}

// MarkProcessed transitions processing → processed and records the session.
// Terminal rows are never mutated: re-processing a processed row is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, rowID int64, sessionID *string) (bool, error) {
	return s.cas(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2, processed_at = now(), session_id = $4
		WHERE id = $1 AND lifecycle_state = $3`,
		rowID, StateProcessed, StateProcessing, sessionID)
}

// MarkErrored transitions processing → errored with the terminal error text.
func (s *Store) MarkErrored(ctx context.Context, rowID int64, errorText string) (bool, error) {
	return s.cas(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2, processed_at = now(), error_text = $4
		WHERE id = $1 AND lifecycle_state = $3`,
		rowID, StateErrored, StateProcessing, errorText)
}

func (s *Store) cas(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning inbox row: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns one row by id.
func (s *Store) Get(ctx context.Context, rowID int64) (*Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, `
		SELECT id, route_envelope, lifecycle_state, received_at, processed_at, session_id, error_text
		FROM route_inbox
		WHERE id = $1`, rowID).
		Scan(&row.ID, &row.RouteEnvelope, &row.LifecycleState, &row.ReceivedAt,
			&row.ProcessedAt, &row.SessionID, &row.ErrorText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("reading inbox row %d: %w", rowID, err)
	}
	return &row, nil
}

// ScanUnprocessed returns rows still in accepted or processing whose
// received_at is older than the grace window, FIFO by received_at.
func (s *Store) ScanUnprocessed(ctx context.Context, graceSeconds, batchSize int) ([]Row, error) {
	if graceSeconds < 0 {
		graceSeconds = DefaultGraceSeconds
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, route_envelope, lifecycle_state, received_at, processed_at, session_id, error_text
		FROM route_inbox
		WHERE lifecycle_state IN ($1, $2)
		  AND received_at < now() - make_interval(secs => $3)
		ORDER BY received_at ASC, id ASC
		LIMIT $4`,
		StateAccepted, StateProcessing, graceSeconds, batchSize)
	if err != nil {
		return nil, fmt.Errorf("scanning unprocessed rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.RouteEnvelope, &row.LifecycleState, &row.ReceivedAt,
			&row.ProcessedAt, &row.SessionID, &row.ErrorText); err != nil {
			return nil, fmt.Errorf("scanning inbox row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecoverySweep re-dispatches every unprocessed row older than the grace
// window. Rows stuck in processing are reset to accepted first so the CAS
// pickup works. A failing row is logged and skipped; it never aborts the
// sweep. Returns the number of rows dispatched.
func (s *Store) RecoverySweep(ctx context.Context, dispatch DispatchFunc, graceSeconds, batchSize int) (int, error) {
	rows, err := s.ScanUnprocessed(ctx, graceSeconds, batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, row := range rows {
		if row.LifecycleState == StateProcessing {
			// Abandoned mid-processing by a crashed worker. Reset so the
			// dispatch path can claim it again.
			reset, err := s.cas(ctx, `
				UPDATE route_inbox
				SET lifecycle_state = $2
				WHERE id = $1 AND lifecycle_state = $3`,
				row.ID, StateAccepted, StateProcessing)
			if err != nil || !reset {
				if err != nil {
					s.logger.Warn("Failed to reset abandoned inbox row", "row_id", row.ID, "error", err)
				}
				continue
			}
		}
		if err := dispatch(ctx, row.ID, row.RouteEnvelope); err != nil {
			s.logger.Warn("Recovery dispatch failed", "row_id", row.ID, "error", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		s.logger.Info("Recovery sweep dispatched rows", "count", dispatched)
	}
	return dispatched, nil
}
