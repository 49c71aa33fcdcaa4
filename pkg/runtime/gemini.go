package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

const geminiDefaultTimeout = 300 * time.Second

// GeminiAdapter drives the gemini CLI. Sessions authenticate with
// GOOGLE_API_KEY, which is inherited from the parent environment;
// ANTHROPIC_API_KEY is stripped so a misconfigured host never leaks it
// into gemini subprocesses.
type GeminiAdapter struct {
	runner *subprocessRunner
}

// NewGeminiAdapter creates a gemini runtime adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{
		runner: &subprocessRunner{
			binary:         "gemini",
			defaultTimeout: geminiDefaultTimeout,
			envDeny:        []string{"ANTHROPIC_API_KEY"},
			logger:         slog.Default().With("component", "runtime.gemini"),
		},
	}
}

// Invoke runs one gemini session to completion.
func (a *GeminiAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	args := []string{"--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(req.MaxTurns))
	}
	return a.runner.run(ctx, args, req)
}

// BuildConfigFile writes the gemini settings file into tmpDir.
func (a *GeminiAdapter) BuildConfigFile(mcpServers map[string]MCPServerConfig, tmpDir string) (string, error) {
	return writeMCPConfig(mcpServers, filepath.Join(tmpDir, "settings.json"))
}

// ParseSystemPromptFile reads the butler's system prompt from configDir.
func (a *GeminiAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	return readSystemPrompt(configDir)
}

// CreateWorker returns an independent adapter for a pooled worker.
func (a *GeminiAdapter) CreateWorker() Adapter {
	return NewGeminiAdapter()
}
