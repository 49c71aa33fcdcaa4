package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Affinity lookup outcomes. Low-cardinality: they label the outcome counter.
const (
	AffinityHit                = "hit"
	AffinityForceOverride      = "force_override"
	AffinityMissNone           = "miss_none"
	AffinityMissStale          = "miss_stale"
	AffinityMissConflict       = "miss_conflict"
	AffinityMissDisabledGlobal = "miss_disabled_global"
	AffinityMissDisabledThread = "miss_disabled_thread"
	AffinityMissError          = "miss_error"
)

// SettingsLoader reads the thread-affinity settings row.
type SettingsLoader interface {
	LoadAffinitySettings(ctx context.Context) (AffinitySettings, error)
}

// HistoryQuerier returns routing-log rows for an email thread, newest first,
// without a time filter. TTL windowing happens in memory so one query can
// distinguish "no history" from "stale history outside the window".
type HistoryQuerier interface {
	ThreadHistory(ctx context.Context, threadID, sourceChannel string) ([]HistoryRow, error)
}

// AffinityResult is the outcome of one thread-affinity lookup.
type AffinityResult struct {
	Outcome string
	Target  string
}

// AffinityLookup resolves email threads to the butler that last handled them.
type AffinityLookup struct {
	settings SettingsLoader
	history  HistoryQuerier
	logger   *slog.Logger
}

// NewAffinityLookup creates a lookup backed by the given stores.
func NewAffinityLookup(settings SettingsLoader, history HistoryQuerier) *AffinityLookup {
	return &AffinityLookup{
		settings: settings,
		history:  history,
		logger:   slog.Default().With("component", "thread-affinity"),
	}
}

// Resolve runs the affinity lookup for one thread. All failures are
// fail-open: they come back as miss_error, never as an error value.
func (a *AffinityLookup) Resolve(ctx context.Context, threadID, sourceChannel string) AffinityResult {
	settings, err := a.settings.LoadAffinitySettings(ctx)
	if err != nil {
		a.logger.Warn("Affinity settings load failed, failing open", "error", err)
		return AffinityResult{Outcome: AffinityMissError}
	}
	if !settings.Enabled {
		return AffinityResult{Outcome: AffinityMissDisabledGlobal}
	}

	if override, ok := settings.Overrides[threadID]; ok {
		if override == "disabled" {
			return AffinityResult{Outcome: AffinityMissDisabledThread}
		}
		if butler, ok := strings.CutPrefix(override, "force:"); ok && butler != "" {
			return AffinityResult{Outcome: AffinityForceOverride, Target: butler}
		}
	}

	rows, err := a.history.ThreadHistory(ctx, threadID, sourceChannel)
	if err != nil {
		a.logger.Warn("Thread history query failed, failing open",
			"thread_id", threadID, "error", err)
		return AffinityResult{Outcome: AffinityMissError}
	}

	cutoff := time.Now().AddDate(0, 0, -settings.TTLDays)
	distinct := map[string]bool{}
	var latest string
	stale := false
	for _, row := range rows {
		if row.CreatedAt.Before(cutoff) {
			stale = true
			continue
		}
		if latest == "" {
			latest = row.TargetButler
		}
		distinct[row.TargetButler] = true
	}

	switch {
	case len(distinct) == 0 && stale:
		return AffinityResult{Outcome: AffinityMissStale}
	case len(distinct) == 0:
		return AffinityResult{Outcome: AffinityMissNone}
	case len(distinct) > 1:
		return AffinityResult{Outcome: AffinityMissConflict}
	default:
		return AffinityResult{Outcome: AffinityHit, Target: latest}
	}
}

// decision converts a hit-like result into a routing decision, or nil on miss.
func (r AffinityResult) decision() *Decision {
	switch r.Outcome {
	case AffinityHit, AffinityForceOverride:
		return &Decision{
			Decision:        DecisionRouteTo,
			TargetButler:    r.Target,
			MatchedRuleType: matchedThreadAffinity,
			Reason:          fmt.Sprintf("thread affinity %s → route_to:%s", r.Outcome, r.Target),
		}
	}
	return nil
}
