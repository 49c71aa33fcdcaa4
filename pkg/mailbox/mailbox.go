// Package mailbox is the butler-to-butler message drop. Posting requires
// the target butler to have the mailbox module enabled; reading happens
// from inside the target's own sessions.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound is returned when a message id has no row.
var ErrMessageNotFound = errors.New("mailbox_message_not_found")

// Priorities accepted on post. Anything else is folded to normal.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is one mailbox row.
type Message struct {
	ID            int64           `json:"id"`
	Sender        string          `json:"sender"`
	SenderChannel string          `json:"sender_channel"`
	Subject       *string         `json:"subject,omitempty"`
	Body          string          `json:"body"`
	Priority      string          `json:"priority"`
	Metadata      json.RawMessage `json:"metadata"`
	ReadAt        *time.Time      `json:"read_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PostInput is what a sender provides.
type PostInput struct {
	Sender        string
	SenderChannel string
	Subject       string
	Body          string
	Priority      string
	Metadata      map[string]any
}

// Store persists mailbox messages in the butler's schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a mailbox store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Post appends one message and returns its row.
func (s *Store) Post(ctx context.Context, in PostInput) (*Message, error) {
	if in.Sender == "" || in.Body == "" {
		return nil, fmt.Errorf("mailbox post requires sender and body")
	}
	priority := in.Priority
	switch priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		priority = PriorityNormal
	}
	metadata := []byte("{}")
	if len(in.Metadata) > 0 {
		encoded, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding mailbox metadata: %w", err)
		}
		metadata = encoded
	}
	var subject *string
	if in.Subject != "" {
		subject = &in.Subject
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO mailbox_messages (sender, sender_channel, subject, body, priority, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, sender, sender_channel, subject, body, priority, metadata, read_at, created_at`,
		in.Sender, in.SenderChannel, subject, in.Body, priority, metadata)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("posting mailbox message: %w", err)
	}
	return msg, nil
}

// ListUnread returns unread messages oldest first, capped at limit
// (default 50).
func (s *Store) ListUnread(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, sender_channel, subject, body, priority, metadata, read_at, created_at
		FROM mailbox_messages
		WHERE read_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unread mailbox messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mailbox message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// MarkRead stamps one message as read. Re-marking an already-read
// message is a no-op, not an error.
func (s *Store) MarkRead(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mailbox_messages SET read_at = COALESCE(read_at, now()) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking mailbox message %d read: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UnreadCount reports how many messages await reading.
func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mailbox_messages WHERE read_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread mailbox messages: %w", err)
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	if err := row.Scan(
		&msg.ID, &msg.Sender, &msg.SenderChannel, &msg.Subject, &msg.Body,
		&msg.Priority, &msg.Metadata, &msg.ReadAt, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
