// Package triage implements the deterministic pre-LLM decision pipeline:
// thread-affinity lookup, rule evaluation, and the pass-through fallback.
// Triage is never permitted to block ingestion: every internal failure
// downgrades to pass_through.
package triage

import (
	"encoding/json"
	"time"
)

// Decision outcomes.
const (
	DecisionRouteTo          = "route_to"
	DecisionSkip             = "skip"
	DecisionMetadataOnly     = "metadata_only"
	DecisionLowPriorityQueue = "low_priority_queue"
	DecisionPassThrough      = "pass_through"
)

// Rule types.
const (
	RuleSenderDomain    = "sender_domain"
	RuleSenderAddress   = "sender_address"
	RuleHeaderCondition = "header_condition"
	RuleMimeType        = "mime_type"

	// matchedThreadAffinity marks decisions made by the affinity lookup
	// rather than a stored rule.
	matchedThreadAffinity = "thread_affinity"
)

// Rule is one deterministic triage rule. Condition shape depends on RuleType.
type Rule struct {
	ID        int64           `json:"id"`
	RuleType  string          `json:"rule_type"`
	Condition json.RawMessage `json:"condition"`
	Action    string          `json:"action"`
	Priority  int             `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decision is the outcome of triaging one ingest envelope.
// Exactly one of MatchedRuleID, MatchedRuleType=="thread_affinity", or
// Decision=="pass_through" holds.
type Decision struct {
	Decision        string `json:"decision"`
	TargetButler    string `json:"target_butler,omitempty"`
	MatchedRuleID   *int64 `json:"matched_rule_id,omitempty"`
	MatchedRuleType string `json:"matched_rule_type,omitempty"`
	Reason          string `json:"reason"`
}

// AffinitySettings mirrors the single-row thread_affinity_settings table.
// Overrides map thread_id to "disabled" or "force:<butler>".
type AffinitySettings struct {
	Enabled   bool              `json:"thread_affinity_enabled"`
	TTLDays   int               `json:"thread_affinity_ttl_days"`
	Overrides map[string]string `json:"thread_overrides"`
}

// DefaultAffinitySettings are the safe defaults: enabled, 30 days, no overrides.
func DefaultAffinitySettings() AffinitySettings {
	return AffinitySettings{Enabled: true, TTLDays: 30, Overrides: map[string]string{}}
}

// HistoryRow is one routing-log entry relevant to a thread, newest first.
type HistoryRow struct {
	TargetButler string
	CreatedAt    time.Time
}
