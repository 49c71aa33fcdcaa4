package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sender performs one provider send and returns the provider's message id.
// Failures should be wrapped in *ClassifiedError; anything else is
// classified unknown.
type Sender interface {
	Send(ctx context.Context, req *Request) (providerID string, err error)
}

// EngineConfig tunes the retry loop.
type EngineConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultEngineConfig returns the production retry settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Engine drives delivery requests through attempts to a receipt or a dead
// letter.
type Engine struct {
	store  *Store
	sender Sender
	cfg    EngineConfig
	logger *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(store *Store, sender Sender, cfg EngineConfig) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: slog.Default().With("component", "delivery-engine"),
	}
}

// Deliver runs the attempt loop for one request. Transient error classes
// retry with exponential backoff up to MaxAttempts; permanent classes dead-
// letter immediately. The returned error is nil once a receipt is recorded.
func (e *Engine) Deliver(ctx context.Context, requestID int64) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status == StatusDelivered || req.Status == StatusDeadLettered {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialInterval
	bo.MaxInterval = e.cfg.MaxInterval
	bo.Reset()

	var lastErr error
	var lastClass string
	for {
		attemptNumber, err := e.store.StartAttempt(ctx, requestID)
		if err != nil {
			return err
		}

		providerID, sendErr := e.sender.Send(ctx, req)
		if sendErr == nil {
			if err := e.store.CompleteAttempt(ctx, requestID, attemptNumber, OutcomeSuccess, "", ""); err != nil {
				return err
			}
			if err := e.store.RecordReceipt(ctx, requestID, providerID, nil); err != nil {
				return err
			}
			e.logger.Info("Delivery succeeded",
				"delivery_id", requestID, "attempt", attemptNumber, "provider_id", providerID)
			return nil
		}

		lastErr = sendErr
		lastClass = Classify(sendErr)
		outcome := OutcomeError
		if Retryable(lastClass) && attemptNumber < e.cfg.MaxAttempts {
			outcome = OutcomeDeferred
		}
		if err := e.store.CompleteAttempt(ctx, requestID, attemptNumber, outcome, lastClass, sendErr.Error()); err != nil {
			return err
		}
		e.logger.Warn("Delivery attempt failed",
			"delivery_id", requestID, "attempt", attemptNumber,
			"error_class", lastClass, "error", sendErr)

		if outcome == OutcomeError {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	reason := fmt.Sprintf("exhausted retries (%s)", lastClass)
	if !Retryable(lastClass) {
		reason = fmt.Sprintf("permanent failure (%s)", lastClass)
	}
	if _, err := e.store.DeadLetterRequest(ctx, requestID, reason, lastClass, lastErr.Error()); err != nil {
		return err
	}
	return fmt.Errorf("delivery %d dead-lettered: %w", requestID, lastErr)
}
