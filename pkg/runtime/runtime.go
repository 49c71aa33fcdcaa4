// Package runtime defines the pluggable LLM runtime adapter contract and
// the subprocess adapters that implement it. Adapters are registered by
// name and selected per butler in butler.toml.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Adapter failure modes.
var (
	ErrBinaryMissing  = errors.New("runtime binary not found")
	ErrInvokeTimeout  = errors.New("runtime invocation timed out")
	ErrUnknownAdapter = errors.New("unknown runtime adapter")
)

// MCPServerConfig describes one MCP server endpoint for the runtime.
type MCPServerConfig struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ToolCall is one tool invocation observed during a session.
type ToolCall struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Usage is the token accounting for one invocation.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// InvokeRequest is one runtime invocation.
type InvokeRequest struct {
	Prompt       string
	SystemPrompt string
	MCPServers   map[string]MCPServerConfig
	Env          map[string]string
	MaxTurns     int
	Model        string
	Cwd          string
	Timeout      time.Duration
}

// InvokeResult is what came back.
type InvokeResult struct {
	ResultText string
	ToolCalls  []ToolCall
	Usage      *Usage
}

// Adapter is the pluggable runtime capability.
type Adapter interface {
	// Invoke runs one session to completion. May fail with
	// ErrInvokeTimeout or ErrBinaryMissing.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
	// BuildConfigFile writes the adapter-specific MCP config into tmpDir
	// and returns its path.
	BuildConfigFile(mcpServers map[string]MCPServerConfig, tmpDir string) (string, error)
	// ParseSystemPromptFile reads the per-butler system prompt from the
	// config directory.
	ParseSystemPromptFile(configDir string) (string, error)
	// CreateWorker returns a fresh independent adapter for a pooled worker.
	CreateWorker() Adapter
}

// Constructor builds one adapter instance.
type Constructor func() Adapter

var constructors = map[string]Constructor{}

// Register adds an adapter constructor under a name. Later registrations
// replace earlier ones.
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New instantiates a registered adapter by name.
func New(name string) (Adapter, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownAdapter, name, Names())
	}
	return ctor(), nil
}

// Names lists registered adapter names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("gemini", func() Adapter { return NewGeminiAdapter() })
	Register("claude", func() Adapter { return NewClaudeAdapter() })
}
