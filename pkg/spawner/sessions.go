package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlerd/pkg/runtime"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session_not_found")

// Session is one runtime session row.
type Session struct {
	ID              string     `json:"id"`
	Prompt          string     `json:"prompt"`
	TriggerSource   string     `json:"trigger_source"`
	Result          *string    `json:"result,omitempty"`
	ToolCalls       []byte     `json:"tool_calls,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
	TraceID         *string    `json:"trace_id,omitempty"`
	Model           *string    `json:"model,omitempty"`
	Success         *bool      `json:"success,omitempty"`
	Error           *string    `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	InputTokens     *int64     `json:"input_tokens,omitempty"`
	OutputTokens    *int64     `json:"output_tokens,omitempty"`
	ParentSessionID *string    `json:"parent_session_id,omitempty"`
	RequestID       *string    `json:"request_id,omitempty"`
}

// SessionStore persists session rows in the butler's schema.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a session store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Begin inserts the session row at trigger time, before the runtime
// subprocess starts, so a crash mid-session still leaves a record.
func (s *SessionStore) Begin(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, prompt, trigger_source, trace_id, model, parent_session_id, request_id, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		sess.ID, sess.Prompt, sess.TriggerSource, sess.TraceID, sess.Model, sess.ParentSessionID, sess.RequestID)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	return nil
}

// Heartbeat stamps last_heartbeat_at so orphan cleanup can tell a live
// long-running session from a dead one.
func (s *SessionStore) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_heartbeat_at = now() WHERE id = $1 AND completed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("heartbeating session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Complete records the session outcome. A nil invocation result with a
// non-empty errText marks the session failed.
func (s *SessionStore) Complete(ctx context.Context, id string, res *runtime.InvokeResult, duration time.Duration, errText string) error {
	var (
		resultText   *string
		toolCalls    = []byte("[]")
		inputTokens  *int64
		outputTokens *int64
		cost         []byte
	)
	if res != nil {
		resultText = &res.ResultText
		if len(res.ToolCalls) > 0 {
			encoded, err := json.Marshal(res.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls for session %s: %w", id, err)
			}
			toolCalls = encoded
		}
		if res.Usage != nil {
			inputTokens = &res.Usage.InputTokens
			outputTokens = &res.Usage.OutputTokens
			cost, _ = json.Marshal(res.Usage)
		}
	}
	success := errText == ""
	var errCol *string
	if errText != "" {
		errCol = &errText
	}
	durationMS := duration.Milliseconds()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET result = $2, tool_calls = $3, duration_ms = $4, success = $5, error = $6,
		    input_tokens = $7, output_tokens = $8, cost = $9, completed_at = now()
		WHERE id = $1 AND completed_at IS NULL`,
		id, resultText, toolCalls, durationMS, success, errCol, inputTokens, outputTokens, cost)
	if err != nil {
		return fmt.Errorf("completing session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get fetches one session row.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, prompt, trigger_source, result, tool_calls, duration_ms, trace_id, model,
		       success, error, started_at, completed_at, last_heartbeat_at,
		       input_tokens, output_tokens, parent_session_id, request_id
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Active lists sessions that have not completed, newest first.
func (s *SessionStore) Active(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, prompt, trigger_source, result, tool_calls, duration_ms, trace_id, model,
		       success, error, started_at, completed_at, last_heartbeat_at,
		       input_tokens, output_tokens, parent_session_id, request_id
		FROM sessions
		WHERE completed_at IS NULL
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// MarkDrained closes an outstanding session without an outcome, used when
// the spawner shuts down before the runtime finishes.
func (s *SessionStore) MarkDrained(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET success = FALSE, error = 'drained', completed_at = now()
		WHERE id = $1 AND completed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("draining session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CleanupOrphans closes sessions whose process died without completing
// them. A session is orphaned when its heartbeat (or start, if it never
// heartbeat) is older than staleAfter. Returns how many were closed.
func (s *SessionStore) CleanupOrphans(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET success = FALSE, error = 'orphaned', completed_at = now()
		WHERE completed_at IS NULL
		  AND COALESCE(last_heartbeat_at, started_at) < now() - make_interval(secs => $1)`,
		staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleaning up orphaned sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(
		&sess.ID, &sess.Prompt, &sess.TriggerSource, &sess.Result, &sess.ToolCalls,
		&sess.DurationMS, &sess.TraceID, &sess.Model, &sess.Success, &sess.Error,
		&sess.StartedAt, &sess.CompletedAt, &sess.LastHeartbeatAt,
		&sess.InputTokens, &sess.OutputTokens, &sess.ParentSessionID, &sess.RequestID,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}
