package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Dead-letter list limits.
const (
	DeadLetterDefaultLimit = 50
	DeadLetterMaxLimit     = 500
)

const deadLetterColumns = `id, delivery_request_id, quarantine_reason, error_class, error_summary,
	total_attempts, first_attempt_at, last_attempt_at, original_request_envelope,
	all_attempt_outcomes, replay_eligible, replay_count, discarded_at, discard_reason, created_at`

// DeadLetterRequest quarantines a request after exhausted retries or an
// explicit terminal failure: it snapshots the attempt history into one
// dead-letter row and marks the request dead_lettered.
func (s *Store) DeadLetterRequest(ctx context.Context, requestID int64, quarantineReason, errorClass, errorSummary string) (int64, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return 0, err
	}
	attempts, err := s.Attempts(ctx, requestID)
	if err != nil {
		return 0, err
	}

	outcomes, err := json.Marshal(attempts)
	if err != nil {
		return 0, fmt.Errorf("marshaling attempt outcomes: %w", err)
	}
	var firstAt, lastAt *time.Time
	if len(attempts) > 0 {
		firstAt = &attempts[0].StartedAt
		lastAt = &attempts[len(attempts)-1].StartedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning dead-letter transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO delivery_dead_letter
			(delivery_request_id, quarantine_reason, error_class, error_summary,
			 total_attempts, first_attempt_at, last_attempt_at,
			 original_request_envelope, all_attempt_outcomes, replay_eligible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		requestID, quarantineReason, errorClass, errorSummary,
		len(attempts), firstAt, lastAt, req.Envelope, outcomes,
		DefaultReplayEligible(errorClass)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting dead letter for %d: %w", requestID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE delivery_requests SET status = $2, completed_at = now() WHERE id = $1`,
		requestID, StatusDeadLettered); err != nil {
		return 0, fmt.Errorf("marking request %d dead-lettered: %w", requestID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	Channel          string
	OriginButler     string
	ErrorClass       string
	Since            *time.Time
	Limit            int
	IncludeDiscarded bool
}

// DeadLetterPage is one list response.
type DeadLetterPage struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
	Count       int          `json:"count"`
	Limit       int          `json:"limit"`
}

// ListDeadLetters returns dead letters newest first. The limit clamps to
// 500; zero or negative falls back to the default of 50. Discarded rows are
// excluded unless requested.
func (s *Store) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = DeadLetterDefaultLimit
	}
	if limit > DeadLetterMaxLimit {
		limit = DeadLetterMaxLimit
	}

	query := `
		SELECT dl.id, dl.delivery_request_id, dl.quarantine_reason, dl.error_class, dl.error_summary,
		       dl.total_attempts, dl.first_attempt_at, dl.last_attempt_at, dl.original_request_envelope,
		       dl.all_attempt_outcomes, dl.replay_eligible, dl.replay_count, dl.discarded_at,
		       dl.discard_reason, dl.created_at
		FROM delivery_dead_letter dl
		JOIN delivery_requests dr ON dr.id = dl.delivery_request_id
		WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Channel != "" {
		query += ` AND dr.channel = ` + arg(filter.Channel)
	}
	if filter.OriginButler != "" {
		query += ` AND dr.origin_butler = ` + arg(filter.OriginButler)
	}
	if filter.ErrorClass != "" {
		query += ` AND dl.error_class = ` + arg(filter.ErrorClass)
	}
	if filter.Since != nil {
		query += ` AND dl.created_at >= ` + arg(*filter.Since)
	}
	if !filter.IncludeDiscarded {
		query += ` AND dl.discarded_at IS NULL`
	}
	query += ` ORDER BY dl.created_at DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return DeadLetterPage{}, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	page := DeadLetterPage{DeadLetters: []DeadLetter{}, Limit: limit}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return DeadLetterPage{}, fmt.Errorf("scanning dead letter: %w", err)
		}
		page.DeadLetters = append(page.DeadLetters, *dl)
	}
	if err := rows.Err(); err != nil {
		return DeadLetterPage{}, err
	}
	page.Count = len(page.DeadLetters)
	return page, nil
}

func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var dl DeadLetter
	err := row.Scan(&dl.ID, &dl.RequestID, &dl.QuarantineReason, &dl.ErrorClass, &dl.ErrorSummary,
		&dl.TotalAttempts, &dl.FirstAttemptAt, &dl.LastAttemptAt, &dl.OriginalEnvelope,
		&dl.AttemptOutcomes, &dl.ReplayEligible, &dl.ReplayCount, &dl.DiscardedAt,
		&dl.DiscardReason, &dl.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// ReplayAssessment explains whether a dead letter can be replayed.
type ReplayAssessment struct {
	Eligible           bool     `json:"eligible"`
	Reasons            []string `json:"reasons"`
	CurrentReplayCount int      `json:"current_replay_count"`
}

// InspectResult is the full dead-letter record plus its replay assessment.
type InspectResult struct {
	DeadLetter        DeadLetter       `json:"dead_letter"`
	ReplayEligibility ReplayAssessment `json:"replay_eligibility_assessment"`
}

// InspectDeadLetter returns one dead letter with its replay assessment.
func (s *Store) InspectDeadLetter(ctx context.Context, id int64) (*InspectResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM delivery_dead_letter WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrDeadLetterNotFound, id)
		}
		return nil, fmt.Errorf("reading dead letter %d: %w", id, err)
	}

	assessment := ReplayAssessment{Eligible: true, Reasons: []string{}, CurrentReplayCount: dl.ReplayCount}
	if !dl.ReplayEligible {
		assessment.Eligible = false
		assessment.Reasons = append(assessment.Reasons, "replay_eligible is false")
	}
	if dl.DiscardedAt != nil {
		assessment.Eligible = false
		assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("discarded at %s", dl.DiscardedAt.Format(time.RFC3339)))
	}
	return &InspectResult{DeadLetter: *dl, ReplayEligibility: assessment}, nil
}

// ReplayResult reports one successful replay.
type ReplayResult struct {
	ReplayedDeliveryID   int64 `json:"replayed_delivery_id"`
	OriginalDeadLetterID int64 `json:"original_dead_letter_id"`
	ReplayNumber         int   `json:"replay_number"`
}

// ReplayDeadLetter clones a dead letter's original request into a fresh
// pending delivery with the idempotency key suffixed ::replay-<n>. The row
// is locked FOR UPDATE so concurrent replays serialize on the counter.
func (s *Store) ReplayDeadLetter(ctx context.Context, id int64) (*ReplayResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning replay transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		requestID      int64
		replayEligible bool
		replayCount    int
		discardedAt    *time.Time
		envelope       json.RawMessage
	)
	err = tx.QueryRow(ctx, `
		SELECT delivery_request_id, replay_eligible, replay_count, discarded_at, original_request_envelope
		FROM delivery_dead_letter
		WHERE id = $1
		FOR UPDATE`, id).Scan(&requestID, &replayEligible, &replayCount, &discardedAt, &envelope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrDeadLetterNotFound, id)
		}
		return nil, fmt.Errorf("locking dead letter %d: %w", id, err)
	}
	if discardedAt != nil {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyDiscarded, id)
	}
	if !replayEligible {
		return nil, fmt.Errorf("%w: %d", ErrNotReplayEligible, id)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM delivery_requests WHERE id = $1`, requestID)
	original, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("reading original request %d: %w", requestID, err)
	}

	replayNumber := replayCount + 1
	newKey := fmt.Sprintf("%s::replay-%d", original.IdempotencyKey, replayNumber)

	var newID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO delivery_requests
			(idempotency_key, request_id, origin_butler, channel, intent, target, subject, message, request_envelope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		newKey, original.RequestID, original.OriginButler, original.Channel, original.Intent,
		original.Target, original.Subject, original.Message, envelope).Scan(&newID)
	if err != nil {
		return nil, fmt.Errorf("cloning request for replay: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE delivery_dead_letter SET replay_count = $2 WHERE id = $1`,
		id, replayNumber); err != nil {
		return nil, fmt.Errorf("incrementing replay count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ReplayResult{
		ReplayedDeliveryID:   newID,
		OriginalDeadLetterID: id,
		ReplayNumber:         replayNumber,
	}, nil
}

// DiscardDeadLetter permanently retires a dead letter. The reason is
// mandatory and a second discard is an error.
func (s *Store) DiscardDeadLetter(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		return ErrDiscardReasonEmpty
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_dead_letter
		SET discarded_at = now(), discard_reason = $2, replay_eligible = FALSE
		WHERE id = $1 AND discarded_at IS NULL`,
		id, reason)
	if err != nil {
		return fmt.Errorf("discarding dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM delivery_dead_letter WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("checking dead letter %d: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("%w: %d", ErrDeadLetterNotFound, id)
		}
		return fmt.Errorf("%w: %d", ErrAlreadyDiscarded, id)
	}
	return nil
}
