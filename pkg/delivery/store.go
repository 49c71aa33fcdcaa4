package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `id, idempotency_key, request_id, origin_butler, channel, intent,
	target, subject, message, request_envelope, status, created_at, completed_at`

// Store is the delivery tables in the messenger schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a delivery store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Submit enqueues a delivery request. A second submit with the same
// idempotency key returns the existing request id with Duplicate set and
// starts no new attempt.
func (s *Store) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if in.Intent == "" {
		in.Intent = "send"
	}
	if len(in.Envelope) == 0 {
		envelope, err := json.Marshal(in)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("marshaling request envelope: %w", err)
		}
		in.Envelope = envelope
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_requests
			(idempotency_key, request_id, origin_butler, channel, intent, target, subject, message, request_envelope)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		in.IdempotencyKey, in.RequestID, in.OriginButler, in.Channel, in.Intent,
		in.Target, in.Subject, in.Message, in.Envelope).Scan(&id)
	if err == nil {
		return SubmitResult{DeliveryID: id}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SubmitResult{}, fmt.Errorf("submitting delivery request: %w", err)
	}

	// Conflict: the key already exists.
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM delivery_requests WHERE idempotency_key = $1`, in.IdempotencyKey).Scan(&id)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolving duplicate idempotency key: %w", err)
	}
	return SubmitResult{DeliveryID: id, Duplicate: true}, nil
}

// GetRequest returns one delivery request by id.
func (s *Store) GetRequest(ctx context.Context, id int64) (*Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM delivery_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
		}
		return nil, fmt.Errorf("reading delivery request %d: %w", id, err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.IdempotencyKey, &r.RequestID, &r.OriginButler, &r.Channel,
		&r.Intent, &r.Target, &r.Subject, &r.Message, &r.Envelope, &r.Status,
		&r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StartAttempt opens the next numbered attempt for a request and flips the
// request to in_progress. Attempt numbers are dense per request and the
// unique constraint makes concurrent duplicates impossible.
func (s *Store) StartAttempt(ctx context.Context, requestID int64) (int, error) {
	var attemptNumber int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_attempts (delivery_request_id, attempt_number, outcome)
		SELECT $1, COALESCE(MAX(attempt_number), 0) + 1, $2
		FROM delivery_attempts WHERE delivery_request_id = $1
		RETURNING attempt_number`,
		requestID, OutcomeInProgress).Scan(&attemptNumber)
	if err != nil {
		return 0, fmt.Errorf("starting delivery attempt for %d: %w", requestID, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE delivery_requests SET status = $2 WHERE id = $1 AND status = $3`,
		requestID, StatusInProgress, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("marking request %d in progress: %w", requestID, err)
	}
	return attemptNumber, nil
}

// CompleteAttempt records the terminal outcome of one attempt.
func (s *Store) CompleteAttempt(ctx context.Context, requestID int64, attemptNumber int, outcome string, errorClass, errorDetail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $3, completed_at = now(),
		    error_class = NULLIF($4, ''), error_detail = NULLIF($5, '')
		WHERE delivery_request_id = $1 AND attempt_number = $2`,
		requestID, attemptNumber, outcome, errorClass, errorDetail)
	if err != nil {
		return fmt.Errorf("completing attempt %d/%d: %w", requestID, attemptNumber, err)
	}
	return nil
}

// Attempts returns a request's attempts ordered by attempt_number.
func (s *Store) Attempts(ctx context.Context, requestID int64) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_request_id, attempt_number, outcome, started_at, completed_at, error_class, error_detail
		FROM delivery_attempts
		WHERE delivery_request_id = $1
		ORDER BY attempt_number`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for %d: %w", requestID, err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.RequestID, &a.AttemptNumber, &a.Outcome,
			&a.StartedAt, &a.CompletedAt, &a.ErrorClass, &a.ErrorDetail); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RecordReceipt stores the provider's message id and marks the request
// delivered.
func (s *Store) RecordReceipt(ctx context.Context, requestID int64, providerID string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning receipt transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO delivery_receipts (delivery_request_id, provider_id, metadata)
		VALUES ($1, $2, $3)`,
		requestID, providerID, metadata); err != nil {
		return fmt.Errorf("recording receipt for %d: %w", requestID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE delivery_requests SET status = $2, completed_at = now() WHERE id = $1`,
		requestID, StatusDelivered); err != nil {
		return fmt.Errorf("marking request %d delivered: %w", requestID, err)
	}
	return tx.Commit(ctx)
}
