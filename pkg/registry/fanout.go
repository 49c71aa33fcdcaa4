package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultClassifyTarget is the fallback when classification fails or
// produces nothing usable.
const DefaultClassifyTarget = "general"

// ClassifyFunc dispatches a classification prompt and returns the raw model
// output.
type ClassifyFunc func(ctx context.Context, message string) (string, error)

// ClassifyMessageMulti dispatches an LLM classification and parses the
// output into a target list. Names may be comma- or newline-separated. Any
// failure, including empty output, falls back to ["general"].
func ClassifyMessageMulti(ctx context.Context, message string, classify ClassifyFunc) []string {
	output, err := classify(ctx, message)
	if err != nil {
		slog.Warn("Classification dispatch failed, falling back to general", "error", err)
		return []string{DefaultClassifyTarget}
	}

	seen := map[string]bool{}
	var targets []string
	for _, line := range strings.Split(output, "\n") {
		for _, part := range strings.Split(line, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return []string{DefaultClassifyTarget}
	}
	return targets
}

// TargetResult is the outcome of routing to one target in a fan-out.
type TargetResult struct {
	Target string         `json:"target"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// CallFunc routes a message to one target.
type CallFunc func(ctx context.Context, target string) (map[string]any, error)

// DispatchToTargets invokes call once per target. Partial failures are
// recorded in the result slice, never propagated.
func DispatchToTargets(ctx context.Context, targets []string, call CallFunc) []TargetResult {
	results := make([]TargetResult, 0, len(targets))
	for _, target := range targets {
		result, err := call(ctx, target)
		if err != nil {
			results = append(results, TargetResult{Target: target, Error: err.Error()})
			continue
		}
		results = append(results, TargetResult{Target: target, Result: result})
	}
	return results
}

// AggregateResponses concatenates fan-out results into one reply, noting
// any per-target errors at the end.
func AggregateResponses(responses []TargetResult) string {
	var parts []string
	var failures []string
	for _, r := range responses {
		if r.Error != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", r.Target, r.Error))
			continue
		}
		if text, ok := r.Result["response"].(string); ok && text != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", r.Target, text))
		}
	}
	combined := strings.Join(parts, "\n\n")
	if len(failures) > 0 {
		note := "Some butlers could not respond: " + strings.Join(failures, "; ")
		if combined == "" {
			return note
		}
		combined += "\n\n" + note
	}
	return combined
}

// TickSummary reports a fleet-wide tick.
type TickSummary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     []TickFailure `json:"failed"`
}

// TickFailure names one butler whose tick failed.
type TickFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// ListFunc returns the butler names to tick.
type ListFunc func(ctx context.Context) ([]string, error)

// TickFunc advances one butler's scheduler.
type TickFunc func(ctx context.Context, name string) error

// TickAllButlers calls tick for every butler except the heartbeat butler
// itself. Failures are collected, not propagated.
func TickAllButlers(ctx context.Context, heartbeatButler string, list ListFunc, tick TickFunc) (TickSummary, error) {
	names, err := list(ctx)
	if err != nil {
		return TickSummary{}, fmt.Errorf("listing butlers for tick: %w", err)
	}

	summary := TickSummary{Failed: []TickFailure{}}
	for _, name := range names {
		if name == heartbeatButler {
			continue
		}
		summary.Total++
		if err := tick(ctx, name); err != nil {
			summary.Failed = append(summary.Failed, TickFailure{Name: name, Error: err.Error()})
			continue
		}
		summary.Successful++
	}
	return summary, nil
}
