package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ToolCaller invokes one tool on a butler's endpoint.
type ToolCaller interface {
	CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (map[string]any, error)
}

// HTTPToolCaller calls butler tool endpoints over HTTP.
type HTTPToolCaller struct {
	client *http.Client
}

// NewHTTPToolCaller creates a tool caller with the given timeout.
func NewHTTPToolCaller(timeout time.Duration) *HTTPToolCaller {
	return &HTTPToolCaller{client: &http.Client{Timeout: timeout}}
}

// CallTool POSTs the args as JSON to <endpoint>/tools/<tool> and decodes
// the JSON object response.
func (c *HTTPToolCaller) CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (map[string]any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool args: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrButlerUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading tool response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrButlerUnreachable, tool, resp.StatusCode)
	}

	var result map[string]any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding tool response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if msg, ok := result["error"].(string); ok {
			return nil, fmt.Errorf("tool %s failed: %s", tool, msg)
		}
		return nil, fmt.Errorf("tool %s failed with status %d", tool, resp.StatusCode)
	}
	return result, nil
}

// RouteOptions carries optional routing-log attribution.
type RouteOptions struct {
	SourceChannel string
	ThreadID      string
}

// Router routes tool calls through the registry with eligibility checks and
// routing-log accounting.
type Router struct {
	store        *Store
	caller       ToolCaller
	sourceButler string
	logger       *slog.Logger
}

// NewRouter creates a router. sourceButler names the caller in routing logs.
func NewRouter(store *Store, caller ToolCaller, sourceButler string) *Router {
	return &Router{
		store:        store,
		caller:       caller,
		sourceButler: sourceButler,
		logger:       slog.Default().With("component", "router", "source", sourceButler),
	}
}

// Route looks up the target, verifies eligibility, calls its tool endpoint,
// and appends a routing_log row either way.
func (r *Router) Route(ctx context.Context, target, tool string, args map[string]any, opts RouteOptions) (map[string]any, error) {
	butler, err := r.store.Get(ctx, target)
	if err != nil {
		r.logRouting(ctx, target, tool, false, 0, err, opts)
		return nil, err
	}
	if !butler.Eligible(time.Now()) {
		err := fmt.Errorf("%w: %s is %s", ErrButlerIneligible, target, butler.EligibilityState)
		r.logRouting(ctx, target, tool, false, 0, err, opts)
		return nil, err
	}

	started := time.Now()
	result, err := r.caller.CallTool(ctx, butler.EndpointURL, tool, args)
	duration := time.Since(started)
	r.logRouting(ctx, target, tool, err == nil, duration, err, opts)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PostMail routes a mailbox_post to the target, verifying it declares the
// mailbox module first.
func (r *Router) PostMail(ctx context.Context, target, sender, channel, body string, extra map[string]any) (map[string]any, error) {
	butler, err := r.store.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	if !butler.HasModule("mailbox") {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotEnabled, target)
	}

	args := map[string]any{
		"sender":         sender,
		"sender_channel": channel,
		"body":           body,
	}
	for k, v := range extra {
		args[k] = v
	}
	return r.Route(ctx, target, "mailbox_post", args, RouteOptions{})
}

func (r *Router) logRouting(ctx context.Context, target, tool string, success bool, duration time.Duration, callErr error, opts RouteOptions) {
	entry := RoutingLogEntry{
		SourceButler: r.sourceButler,
		TargetButler: target,
		ToolName:     tool,
		Success:      success,
	}
	if duration > 0 {
		ms := duration.Milliseconds()
		entry.DurationMS = &ms
	}
	if callErr != nil {
		msg := callErr.Error()
		entry.Error = &msg
	}
	if opts.SourceChannel != "" {
		entry.SourceChannel = &opts.SourceChannel
	}
	if opts.ThreadID != "" {
		entry.ThreadID = &opts.ThreadID
	}
	if err := r.store.LogRouting(ctx, entry); err != nil {
		r.logger.Warn("Routing log write failed", "target", target, "tool", tool, "error", err)
	}
}
