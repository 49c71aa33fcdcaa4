// Package switchboard is the admission path: it validates ingest
// envelopes, runs triage, derives route lineage, and dispatches
// route.v1 envelopes to the target butler's inbox.
package switchboard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/registry"
	"github.com/butlerhq/butlerd/pkg/triage"
)

// Admission statuses.
const (
	StatusRouted       = "routed"
	StatusSkipped      = "skipped"
	StatusMetadataOnly = "metadata_only"
	StatusQueued       = "queued"
)

// DefaultButler receives pass-through traffic when no rule or affinity
// picks a target.
const DefaultButler = "general"

// RouteDispatcher sends a tool call to a butler. *registry.Router
// satisfies it.
type RouteDispatcher interface {
	Route(ctx context.Context, target, tool string, args map[string]any, opts registry.RouteOptions) (map[string]any, error)
}

// AdmissionResult reports what happened to one ingest envelope.
type AdmissionResult struct {
	RequestID    string         `json:"request_id,omitempty"`
	Status       string         `json:"status"`
	Decision     string         `json:"decision"`
	TargetButler string         `json:"target_butler,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Dispatch     map[string]any `json:"dispatch,omitempty"`
}

// Metrics counts admissions by outcome.
type Metrics struct {
	admissions *prometheus.CounterVec
}

// NewMetrics registers switchboard metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		admissions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_admissions_total",
			Help: "Ingest admissions by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) record(status string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(status).Inc()
}

// Config tunes a Switchboard.
type Config struct {
	// DefaultButler receives pass_through traffic. Empty means "general".
	DefaultButler string
}

// Switchboard admits ingest envelopes.
type Switchboard struct {
	pipeline      *triage.Pipeline
	dispatcher    RouteDispatcher
	defaultButler string
	metrics       *Metrics
	statuses      *ConnectorStatusTable
	logger        *slog.Logger
}

// New creates a switchboard. metrics may be nil.
func New(pipeline *triage.Pipeline, dispatcher RouteDispatcher, cfg Config, metrics *Metrics) *Switchboard {
	defaultButler := cfg.DefaultButler
	if defaultButler == "" {
		defaultButler = DefaultButler
	}
	return &Switchboard{
		pipeline:      pipeline,
		dispatcher:    dispatcher,
		defaultButler: defaultButler,
		metrics:       metrics,
		statuses:      NewConnectorStatusTable(),
		logger:        slog.Default().With("component", "switchboard"),
	}
}

// Admit validates one raw ingest payload and runs it through triage and
// dispatch. Validation errors return to the caller; nothing invalid ever
// reaches a route inbox.
func (s *Switchboard) Admit(ctx context.Context, payload []byte) (*AdmissionResult, error) {
	env, err := contract.ParseIngest(payload)
	if err != nil {
		s.metrics.record("rejected")
		return nil, err
	}
	return s.AdmitEnvelope(ctx, env)
}

// AdmitEnvelope admits an already-validated ingest envelope.
func (s *Switchboard) AdmitEnvelope(ctx context.Context, env *contract.IngestEnvelope) (*AdmissionResult, error) {
	decision := s.pipeline.Triage(ctx, env)

	switch decision.Decision {
	case triage.DecisionSkip:
		s.logger.Info("Ingest skipped by triage",
			"channel", env.Source.Channel, "sender", env.Sender.Identity, "reason", decision.Reason)
		s.metrics.record(StatusSkipped)
		return &AdmissionResult{Status: StatusSkipped, Decision: decision.Decision, Reason: decision.Reason}, nil

	case triage.DecisionMetadataOnly:
		// The event is acknowledged and logged but its content goes nowhere.
		s.logger.Info("Ingest recorded metadata-only",
			"channel", env.Source.Channel,
			"external_event_id", env.Event.ExternalEventID,
			"thread_id", env.Event.ExternalThreadID,
			"reason", decision.Reason)
		s.metrics.record(StatusMetadataOnly)
		return &AdmissionResult{Status: StatusMetadataOnly, Decision: decision.Decision, Reason: decision.Reason}, nil
	}

	target := s.defaultButler
	if decision.Decision == triage.DecisionRouteTo && decision.TargetButler != "" {
		target = decision.TargetButler
	}

	routeEnv, err := buildRouteEnvelope(env, decision, target)
	if err != nil {
		s.metrics.record("rejected")
		return nil, fmt.Errorf("building route envelope: %w", err)
	}

	dispatch, err := s.dispatcher.Route(ctx, target, "route.execute",
		map[string]any{"envelope": routeEnv},
		registry.RouteOptions{
			SourceChannel: env.Source.Channel,
			ThreadID:      env.Event.ExternalThreadID,
		})
	if err != nil {
		s.metrics.record("dispatch_failed")
		return nil, err
	}

	status := StatusRouted
	if decision.Decision == triage.DecisionLowPriorityQueue {
		status = StatusQueued
	}
	s.metrics.record(status)
	return &AdmissionResult{
		RequestID:    routeEnv.RequestContext.RequestID,
		Status:       status,
		Decision:     decision.Decision,
		TargetButler: target,
		Reason:       decision.Reason,
		Dispatch:     dispatch,
	}, nil
}

// AdmitHeartbeat validates and records one connector heartbeat.
func (s *Switchboard) AdmitHeartbeat(payload []byte) (*contract.HeartbeatEnvelope, error) {
	env, err := contract.ParseHeartbeat(payload)
	if err != nil {
		return nil, err
	}
	s.statuses.Record(env)
	if env.Status.State != contract.ConnectorStateHealthy {
		s.logger.Warn("Connector reported unhealthy",
			"connector_type", env.Connector.ConnectorType,
			"endpoint_identity", env.Connector.EndpointIdentity,
			"state", env.Status.State,
			"error", env.Status.ErrorMessage)
	}
	return env, nil
}

// ConnectorStatuses exposes the heartbeat table.
func (s *Switchboard) ConnectorStatuses() *ConnectorStatusTable {
	return s.statuses
}

// buildRouteEnvelope derives a route.v1 envelope from an admitted ingest
// envelope. Lineage comes from NewRequestContext; triage context and the
// untouched policy tier ride in source_metadata.
func buildRouteEnvelope(env *contract.IngestEnvelope, decision *triage.Decision, target string) (*contract.RouteEnvelope, error) {
	rc, err := contract.NewRequestContext(env)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"channel":           env.Source.Channel,
		"provider":          env.Source.Provider,
		"external_event_id": env.Event.ExternalEventID,
		"policy_tier":       env.Control.PolicyTier,
		"triage_decision":   decision.Decision,
	}
	if decision.MatchedRuleID != nil {
		meta["matched_rule_id"] = *decision.MatchedRuleID
	}
	if decision.Decision == triage.DecisionLowPriorityQueue {
		meta["queue"] = "low_priority"
	}

	prompt := env.Payload.NormalizedText
	if prompt == "" {
		prompt = string(env.Payload.Raw)
	}
	return &contract.RouteEnvelope{
		SchemaVersion:  contract.SchemaVersionRoute,
		RequestContext: *rc,
		Input:          contract.RouteInput{Prompt: prompt},
		Target:         &contract.RouteTarget{Butler: target, Tool: "route.execute"},
		SourceMetadata: meta,
		TraceContext:   env.Control.TraceContext,
	}, nil
}
