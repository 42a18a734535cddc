// Package config loads and watches the whale configuration. The file is
// JSON5 so hand-edited configs can carry comments and trailing commas.
// Secrets (API keys, gateway tokens) come from the environment only and
// are never written back to disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/whalelabs/whale/internal/hooks"
	"github.com/whalelabs/whale/internal/tracing"
)

// Config is the root configuration.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Tools    ToolsConfig    `json:"tools"`
	Hooks    HooksConfig    `json:"hooks,omitempty"`
	Sessions SessionsConfig `json:"sessions,omitempty"`
	Gateway  GatewayConfig  `json:"gateway,omitempty"`
	LSP      LSPConfig      `json:"lsp,omitempty"`
	MCP      MCPConfig      `json:"mcp,omitempty"`
	Tracing  tracing.Config `json:"tracing,omitempty"`

	// DataDir defaults to ~/.whale; resolved at load time.
	DataDir string `json:"data_dir,omitempty"`

	mu sync.RWMutex
}

// AgentConfig are per-conversation defaults.
type AgentConfig struct {
	Model         string  `json:"model,omitempty"`
	FallbackModel string  `json:"fallback_model,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
	MaxTurns      int     `json:"max_turns,omitempty"`
	MaxBudgetUSD  float64 `json:"max_budget_usd,omitempty"`
	Effort        string  `json:"effort,omitempty"` // low, medium, high
	Workspace     string  `json:"workspace,omitempty"`
	RestrictToWorkspace bool `json:"restrict_to_workspace,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
}

// ProviderConfig configures the LLM backend.
// APIKey is NEVER read from the file — env ANTHROPIC_API_KEY only.
type ProviderConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"-"`
}

// ToolsConfig gates the tool surface.
type ToolsConfig struct {
	Allowed        []string `json:"allowed,omitempty"`
	Disallowed     []string `json:"disallowed,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"` // default, plan, yolo
	ExecTimeoutSec int      `json:"exec_timeout_sec,omitempty"`
	GatewayURL     string   `json:"gateway_url,omitempty"` // remote tool gateway
}

// HooksConfig lists pre/post tool hooks.
type HooksConfig struct {
	PreTool  []hooks.Spec `json:"pre_tool,omitempty"`
	PostTool []hooks.Spec `json:"post_tool,omitempty"`
}

// SessionsConfig selects the persistence backend.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
}

// GatewayConfig configures serve mode.
// Token is NEVER read from the file — env WHALE_GATEWAY_TOKEN only.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
	IdleTimeoutSec int      `json:"idle_timeout_sec,omitempty"`
	Token          string   `json:"-"`
}

// LSPConfig optionally overrides server binaries per language.
type LSPConfig struct {
	Disabled bool                `json:"disabled,omitempty"`
	Servers  map[string][]string `json:"servers,omitempty"` // lang → [binary, args...]
}

// MCPConfig is the plugin registry: each entry is a named tool source
// reached over the HTTP tool-gateway contract.
type MCPConfig struct {
	Servers map[string]MCPServer `json:"servers,omitempty"`
}

// MCPServer is one registered plugin.
type MCPServer struct {
	URL   string         `json:"url"`
	Token string         `json:"token,omitempty"`
	Tools []MCPToolEntry `json:"tools,omitempty"`
}

// MCPToolEntry declares one tool the plugin serves.
type MCPToolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// DefaultDataDir resolves ~/.whale.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".whale"
	}
	return filepath.Join(home, ".whale")
}

// Defaults fills zero values after load.
func (c *Config) Defaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Agent.ContextWindow <= 0 {
		c.Agent.ContextWindow = 200_000
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 50
	}
	if c.Agent.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Agent.Workspace = wd
		}
	}
	if c.Tools.PermissionMode == "" {
		c.Tools.PermissionMode = "default"
	}
	if c.Tools.ExecTimeoutSec <= 0 {
		c.Tools.ExecTimeoutSec = 60
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "file"
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = 9557
	}
	if c.Gateway.IdleTimeoutSec <= 0 {
		c.Gateway.IdleTimeoutSec = 300
	}
}

// ExecTimeout returns the shell tool timeout.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Tools.ExecTimeoutSec) * time.Second
}

// IdleTimeout returns the websocket idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Gateway.IdleTimeoutSec) * time.Second
}

// HookSpecs returns the current hook lists under the reload lock.
func (c *Config) HookSpecs() (pre, post []hooks.Spec) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Hooks.PreTool, c.Hooks.PostTool
}

// ReplaceHooks swaps the hook lists (used by the config watcher).
func (c *Config) ReplaceHooks(h HooksConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hooks = h
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Tools.PermissionMode {
	case "default", "plan", "yolo":
	default:
		return fmt.Errorf("invalid permission_mode %q", c.Tools.PermissionMode)
	}
	switch c.Sessions.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid sessions backend %q", c.Sessions.Backend)
	}
	for name, srv := range c.MCP.Servers {
		if srv.URL == "" {
			return fmt.Errorf("mcp server %q has no url", name)
		}
	}
	return nil
}
