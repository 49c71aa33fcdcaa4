// Package delivery is the messenger delivery engine: idempotent submits,
// numbered attempts, receipts, dead-lettering, and operator replay.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request statuses.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusDelivered    = "delivered"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
)

// Attempt outcomes.
const (
	OutcomeInProgress = "in_progress"
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeDeferred   = "deferred"
)

// Error classes. The taxonomy drives whether another attempt is made and
// whether a dead letter defaults to replay-eligible.
const (
	ClassTimeout             = "timeout"
	ClassRateLimited         = "rate_limited"
	ClassPermanentValidation = "permanent_validation"
	ClassTransientNetwork    = "transient_network"
	ClassProviderError       = "provider_error"
	ClassUnknown             = "unknown"
)

// Retryable reports whether an error class warrants another attempt.
func Retryable(class string) bool {
	switch class {
	case ClassTimeout, ClassRateLimited, ClassTransientNetwork, ClassProviderError:
		return true
	}
	return false
}

// DefaultReplayEligible reports whether a dead letter of this class should
// default to replay-eligible. Validation failures reproduce on replay.
func DefaultReplayEligible(class string) bool {
	return class != ClassPermanentValidation
}

// ClassifiedError tags a send failure with its error class.
type ClassifiedError struct {
	Class string
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify extracts the error class, defaulting to unknown.
func Classify(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// Store-level errors.
var (
	ErrRequestNotFound    = errors.New("delivery request not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrAlreadyDiscarded   = errors.New("dead letter already discarded")
	ErrNotReplayEligible  = errors.New("dead letter is not replay eligible")
	ErrDiscardReasonEmpty = errors.New("discard reason must not be empty")
)

// Request is one delivery_requests row.
type Request struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	RequestID      *string         `json:"request_id,omitempty"`
	OriginButler   string          `json:"origin_butler"`
	Channel        string          `json:"channel"`
	Intent         string          `json:"intent"`
	Target         *string         `json:"target,omitempty"`
	Subject        *string         `json:"subject,omitempty"`
	Message        string          `json:"message"`
	Envelope       json.RawMessage `json:"request_envelope"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Attempt is one delivery_attempts row.
type Attempt struct {
	ID            int64      `json:"id"`
	RequestID     int64      `json:"delivery_request_id"`
	AttemptNumber int        `json:"attempt_number"`
	Outcome       string     `json:"outcome"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ErrorClass    *string    `json:"error_class,omitempty"`
	ErrorDetail   *string    `json:"error_detail,omitempty"`
}

// DeadLetter is one delivery_dead_letter row.
type DeadLetter struct {
	ID               int64           `json:"id"`
	RequestID        int64           `json:"delivery_request_id"`
	QuarantineReason string          `json:"quarantine_reason"`
	ErrorClass       string          `json:"error_class"`
	ErrorSummary     string          `json:"error_summary"`
	TotalAttempts    int             `json:"total_attempts"`
	FirstAttemptAt   *time.Time      `json:"first_attempt_at,omitempty"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at,omitempty"`
	OriginalEnvelope json.RawMessage `json:"original_request_envelope"`
	AttemptOutcomes  json.RawMessage `json:"all_attempt_outcomes"`
	ReplayEligible   bool            `json:"replay_eligible"`
	ReplayCount      int             `json:"replay_count"`
	DiscardedAt      *time.Time      `json:"discarded_at,omitempty"`
	DiscardReason    *string         `json:"discard_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SubmitInput is the caller-facing submit payload.
type SubmitInput struct {
	IdempotencyKey string
	RequestID      string
	OriginButler   string
	Channel        string
	Intent         string
	Target         string
	Subject        string
	Message        string
	Envelope       json.RawMessage
}

// SubmitResult reports the request id and whether the key already existed.
type SubmitResult struct {
	DeliveryID int64 `json:"delivery_id"`
	Duplicate  bool  `json:"duplicate"`
}
