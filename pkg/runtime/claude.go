package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

const claudeDefaultTimeout = 300 * time.Second

// ClaudeAdapter drives the claude CLI in non-interactive print mode.
type ClaudeAdapter struct {
	runner *subprocessRunner
}

// NewClaudeAdapter creates a claude runtime adapter.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{
		runner: &subprocessRunner{
			binary:         "claude",
			defaultTimeout: claudeDefaultTimeout,
			logger:         slog.Default().With("component", "runtime.claude"),
		},
	}
}

// Invoke runs one claude session to completion.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	args := []string{"-p", "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(req.MaxTurns))
	}
	return a.runner.run(ctx, args, req)
}

// BuildConfigFile writes the claude MCP config into tmpDir.
func (a *ClaudeAdapter) BuildConfigFile(mcpServers map[string]MCPServerConfig, tmpDir string) (string, error) {
	return writeMCPConfig(mcpServers, filepath.Join(tmpDir, "mcp.json"))
}

// ParseSystemPromptFile reads the butler's system prompt from configDir.
func (a *ClaudeAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	return readSystemPrompt(configDir)
}

// CreateWorker returns an independent adapter for a pooled worker.
func (a *ClaudeAdapter) CreateWorker() Adapter {
	return NewClaudeAdapter()
}
