package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const systemPromptFile = "system_prompt.md"

// cliOutput is the JSON envelope the CLI binaries print with
// --output-format json.
type cliOutput struct {
	Result    string     `json:"result"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// subprocessRunner runs a CLI binary once per invocation. Both adapters
// share it and differ only in binary, arguments, and environment policy.
type subprocessRunner struct {
	binary         string
	defaultTimeout time.Duration
	// envDeny names variables stripped from the inherited environment
	// before the subprocess starts.
	envDeny []string
	logger  *slog.Logger
}

func (r *subprocessRunner) run(ctx context.Context, args []string, req InvokeRequest) (*InvokeResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = r.buildEnv(req.Env)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s after %s", ErrInvokeTimeout, r.binary, timeout)
	case err != nil:
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrBinaryMissing, r.binary)
		}
		return nil, fmt.Errorf("%s exited: %w: %s", r.binary, err, truncate(stderr.String(), 512))
	}

	r.logger.Debug("Runtime invocation finished",
		"binary", r.binary, "duration", elapsed, "stdout_bytes", stdout.Len())
	return parseOutput(stdout.Bytes())
}

// buildEnv inherits the parent environment minus the denied variables,
// then layers the per-request overrides on top.
func (r *subprocessRunner) buildEnv(overrides map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if r.denied(name) {
			continue
		}
		env = append(env, kv)
	}
	for name, value := range overrides {
		if r.denied(name) {
			continue
		}
		env = append(env, name+"="+value)
	}
	return env
}

func (r *subprocessRunner) denied(name string) bool {
	for _, d := range r.envDeny {
		if name == d {
			return true
		}
	}
	return false
}

// parseOutput accepts either the structured JSON envelope or, when the
// binary printed plain text, the raw stdout as the result.
func parseOutput(stdout []byte) (*InvokeResult, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var out cliOutput
		if err := json.Unmarshal(trimmed, &out); err == nil {
			return &InvokeResult{
				ResultText: out.Result,
				ToolCalls:  out.ToolCalls,
				Usage:      out.Usage,
			}, nil
		}
	}
	return &InvokeResult{ResultText: string(trimmed)}, nil
}

// writeMCPConfig writes a {"mcpServers": {...}} document, the shape both
// CLIs read.
func writeMCPConfig(mcpServers map[string]MCPServerConfig, path string) (string, error) {
	doc := map[string]any{"mcpServers": mcpServers}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding mcp config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}

// readSystemPrompt loads the butler's system prompt. A missing file means
// no system prompt, not an error.
func readSystemPrompt(configDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(configDir, systemPromptFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
