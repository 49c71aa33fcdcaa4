// Package spawner bounds and records runtime sessions. Every butler
// session, whether triggered by a route, a schedule, or a manual poke,
// passes through one Spawner that enforces the concurrency cap and leaves
// a session row behind.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/butlerhq/butlerd/pkg/runtime"
)

// Spawner failure modes.
var (
	ErrDraining     = errors.New("spawner draining")
	ErrDrainTimeout = errors.New("drain timed out")
)

const (
	// DefaultMaxConcurrent caps simultaneous runtime sessions per butler.
	DefaultMaxConcurrent = 3
	// DefaultHeartbeatInterval is how often a running session stamps
	// last_heartbeat_at.
	DefaultHeartbeatInterval = 30 * time.Second
)

// TriggerInput describes one session to run.
type TriggerInput struct {
	Prompt          string
	TriggerSource   string
	SystemPrompt    string
	Model           string
	MaxTurns        int
	Env             map[string]string
	ParentSessionID string
	RequestID       string
}

// SessionResult is the outcome of one completed session.
type SessionResult struct {
	SessionID  string
	ResultText string
	ToolCalls  []runtime.ToolCall
	Usage      *runtime.Usage
	Duration   time.Duration
}

// Config tunes a Spawner.
type Config struct {
	MaxConcurrent     int
	HeartbeatInterval time.Duration
}

// Spawner runs sessions through a runtime adapter under a concurrency
// cap. The session store is optional; without it the spawner still
// bounds and traces sessions but persists nothing.
type Spawner struct {
	adapter  runtime.Adapter
	sessions *SessionStore
	sem      chan struct{}

	heartbeatInterval time.Duration

	mu        sync.Mutex
	accepting bool
	inFlight  map[string]struct{}
	done      sync.WaitGroup

	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a spawner.
func New(adapter runtime.Adapter, sessions *SessionStore, cfg Config) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Spawner{
		adapter:           adapter,
		sessions:          sessions,
		sem:               make(chan struct{}, cfg.MaxConcurrent),
		heartbeatInterval: cfg.HeartbeatInterval,
		accepting:         true,
		inFlight:          map[string]struct{}{},
		tracer:            otel.Tracer("butlerd/spawner"),
		logger:            slog.Default().With("component", "spawner"),
	}
}

// Trigger runs one session to completion. It blocks while the
// concurrency cap is reached and fails with ErrDraining once shutdown
// has begun.
func (sp *Spawner) Trigger(ctx context.Context, in TriggerInput) (*SessionResult, error) {
	if !sp.acquireSlot(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrDraining
	}

	sessionID := uuid.Must(uuid.NewV7()).String()
	sp.track(sessionID)
	defer sp.release(sessionID)

	ctx, span := sp.tracer.Start(ctx, "butler.llm_session", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("trigger_source", in.TriggerSource),
	))
	defer span.End()

	if sp.sessions != nil {
		sess := &Session{ID: sessionID, Prompt: in.Prompt, TriggerSource: in.TriggerSource}
		if in.Model != "" {
			sess.Model = &in.Model
		}
		if in.ParentSessionID != "" {
			sess.ParentSessionID = &in.ParentSessionID
		}
		if in.RequestID != "" {
			sess.RequestID = &in.RequestID
		}
		if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
			s := traceID.String()
			sess.TraceID = &s
		}
		if err := sp.sessions.Begin(ctx, sess); err != nil {
			return nil, err
		}
	}

	heartbeatDone := sp.startHeartbeat(sessionID)
	start := time.Now()
	res, err := sp.adapter.Invoke(ctx, runtime.InvokeRequest{
		Prompt:       in.Prompt,
		SystemPrompt: in.SystemPrompt,
		Model:        in.Model,
		MaxTurns:     in.MaxTurns,
		Env:          in.Env,
	})
	duration := time.Since(start)
	close(heartbeatDone)

	errText := ""
	if err != nil {
		errText = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "session failed")
	} else {
		sp.recordToolSpans(ctx, res.ToolCalls)
	}
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if sp.sessions != nil {
		// Outcome recording failures must not mask the session outcome.
		if completeErr := sp.sessions.Complete(context.WithoutCancel(ctx), sessionID, res, duration, errText); completeErr != nil {
			sp.logger.Error("Failed to record session outcome", "session_id", sessionID, "error", completeErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	sp.logger.Info("Session completed",
		"session_id", sessionID, "trigger_source", in.TriggerSource,
		"duration", duration, "tool_calls", len(res.ToolCalls))
	return &SessionResult{
		SessionID:  sessionID,
		ResultText: res.ResultText,
		ToolCalls:  res.ToolCalls,
		Usage:      res.Usage,
		Duration:   duration,
	}, nil
}

// StopAccepting makes all future Trigger calls fail with ErrDraining.
// In-flight sessions keep running.
func (sp *Spawner) StopAccepting() {
	sp.mu.Lock()
	sp.accepting = false
	sp.mu.Unlock()
}

// Drain stops accepting and waits up to timeout for in-flight sessions.
// Sessions still running at the deadline are marked drained in the store
// and counted in the ErrDrainTimeout error.
func (sp *Spawner) Drain(ctx context.Context, timeout time.Duration) error {
	sp.StopAccepting()

	finished := make(chan struct{})
	go func() {
		sp.done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	sp.mu.Lock()
	stranded := make([]string, 0, len(sp.inFlight))
	for id := range sp.inFlight {
		stranded = append(stranded, id)
	}
	sp.mu.Unlock()

	if sp.sessions != nil {
		for _, id := range stranded {
			if err := sp.sessions.MarkDrained(context.WithoutCancel(ctx), id); err != nil {
				sp.logger.Error("Failed to mark session drained", "session_id", id, "error", err)
			}
		}
	}
	return fmt.Errorf("%w: %d sessions still running", ErrDrainTimeout, len(stranded))
}

// ActiveCount reports how many sessions are currently running.
func (sp *Spawner) ActiveCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.inFlight)
}

func (sp *Spawner) acquireSlot(ctx context.Context) bool {
	sp.mu.Lock()
	accepting := sp.accepting
	sp.mu.Unlock()
	if !accepting {
		return false
	}
	select {
	case sp.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	// Re-check: draining may have begun while we waited for a slot.
	sp.mu.Lock()
	accepting = sp.accepting
	sp.mu.Unlock()
	if !accepting {
		<-sp.sem
		return false
	}
	return true
}

func (sp *Spawner) track(id string) {
	sp.mu.Lock()
	sp.inFlight[id] = struct{}{}
	sp.mu.Unlock()
	sp.done.Add(1)
}

func (sp *Spawner) release(id string) {
	sp.mu.Lock()
	delete(sp.inFlight, id)
	sp.mu.Unlock()
	sp.done.Done()
	<-sp.sem
}

// startHeartbeat stamps the session row until the returned channel is
// closed. Heartbeats use a background context so session cancellation
// does not stop the final stamps.
func (sp *Spawner) startHeartbeat(sessionID string) chan struct{} {
	done := make(chan struct{})
	if sp.sessions == nil {
		return done
	}
	go func() {
		ticker := time.NewTicker(sp.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sp.sessions.Heartbeat(context.Background(), sessionID); err != nil {
					sp.logger.Warn("Session heartbeat failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()
	return done
}

// recordToolSpans emits one span per tool call after the session ends.
// The subprocess reports calls in bulk, so spans carry durations as
// attributes rather than real start and end times.
func (sp *Spawner) recordToolSpans(ctx context.Context, calls []runtime.ToolCall) {
	for _, call := range calls {
		_, span := sp.tracer.Start(ctx, "butler.tool."+call.Name, trace.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.Int64("duration_ms", call.DurationMS),
		))
		span.End()
	}
}
