package triage

import (
	"context"
	"log/slog"

	"github.com/butlerhq/butlerd/pkg/contract"
)

// RuleSource supplies the current rule cache.
type RuleSource interface {
	Rules(ctx context.Context) ([]Rule, error)
}

// Pipeline is the triage pipeline: thread affinity, then deterministic
// rules, then the pass_through fallback.
type Pipeline struct {
	rules    RuleSource
	affinity *AffinityLookup
	metrics  *Metrics
	logger   *slog.Logger
}

// NewPipeline creates a triage pipeline. affinity and metrics may be nil.
func NewPipeline(rules RuleSource, affinity *AffinityLookup, metrics *Metrics) *Pipeline {
	return &Pipeline{
		rules:    rules,
		affinity: affinity,
		metrics:  metrics,
		logger:   slog.Default().With("component", "triage"),
	}
}

// Triage decides what to do with one accepted ingest envelope.
// Any internal failure fails open to pass_through: triage never blocks
// ingestion.
func (p *Pipeline) Triage(ctx context.Context, env *contract.IngestEnvelope) (decision *Decision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Triage panicked, failing open", "panic", r)
			decision = passThrough("triage failure, failing open")
			p.metrics.recordDecision(decision)
		}
	}()

	// 1. Thread affinity (email only).
	if p.affinity != nil && env.Source.Channel == "email" && env.Event.ExternalThreadID != "" {
		result := p.affinity.Resolve(ctx, env.Event.ExternalThreadID, env.Source.Channel)
		p.metrics.recordAffinity(result)
		if d := result.decision(); d != nil {
			p.metrics.recordDecision(d)
			return d
		}
	}

	// 2. Deterministic rules, first match wins.
	rules, err := p.rules.Rules(ctx)
	if err != nil {
		p.logger.Warn("Rule cache load failed, failing open", "error", err)
		d := passThrough("rule cache unavailable")
		p.metrics.recordDecision(d)
		return d
	}
	if d := EvaluateRules(env, rules); d != nil {
		p.metrics.recordDecision(d)
		return d
	}

	// 3. Fallback: LLM classification happens downstream.
	d := passThrough("no rule matched")
	p.metrics.recordDecision(d)
	return d
}

func passThrough(reason string) *Decision {
	return &Decision{Decision: DecisionPassThrough, Reason: reason}
}
