// Package engine assembles the runtime: provider, tool registry, sandbox,
// hooks, LSP manager, stores, and the per-conversation turn loops that tie
// them together. Transports own their event buses; the engine hands every
// conversation a loop wired to the transport's bus.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whalelabs/whale/internal/agent"
	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/config"
	"github.com/whalelabs/whale/internal/contextmgr"
	"github.com/whalelabs/whale/internal/hooks"
	"github.com/whalelabs/whale/internal/loopdetect"
	"github.com/whalelabs/whale/internal/lsp"
	"github.com/whalelabs/whale/internal/mcp"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/internal/sandbox"
	"github.com/whalelabs/whale/internal/store"
	storefile "github.com/whalelabs/whale/internal/store/file"
	storesqlite "github.com/whalelabs/whale/internal/store/sqlite"
	"github.com/whalelabs/whale/internal/subagents"
	"github.com/whalelabs/whale/internal/tools"
)

// Version is stamped at build time.
var Version = "dev"

// Engine holds the long-lived shared pieces of one process.
type Engine struct {
	Cfg      *config.Config
	Provider providers.Provider
	Store    store.Store
	Backups  *store.BackupRing
	LSP      *lsp.Manager
	Sandbox  *sandbox.Sandbox
	Hooks    *hooks.Runner

	closeStore func() error
}

// Options override config-derived settings from CLI flags.
type Options struct {
	Model          string
	FallbackModel  string
	PermissionMode string
	MaxTurns       int
	MaxBudgetUSD   float64
	Effort         string
	AllowedTools   []string
	DisallowedTools []string
}

// New builds the engine from configuration.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("no API key configured: set ANTHROPIC_API_KEY or run `whale login`")
	}

	model := cfg.Agent.Model
	if opts.Model != "" {
		model = opts.Model
	}
	fallback := cfg.Agent.FallbackModel
	if opts.FallbackModel != "" {
		fallback = opts.FallbackModel
	}

	provider := providers.NewAnthropicProvider(cfg.Provider.APIKey,
		providers.WithAnthropicBaseURL(cfg.Provider.BaseURL),
		providers.WithAnthropicModel(model),
		providers.WithFallbackModel(fallback),
	)

	var st store.Store
	var closeStore func() error
	switch cfg.Sessions.Backend {
	case "sqlite":
		s, err := storesqlite.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		st, closeStore = s, s.Close
	default:
		s, err := storefile.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		st = s
	}

	pre, post := cfg.HookSpecs()

	e := &Engine{
		Cfg:        cfg,
		Provider:   provider,
		Store:      st,
		Backups:    store.NewBackupRing(cfg.DataDir),
		Sandbox:    sandbox.New(cfg.DataDir),
		Hooks:      hooks.NewRunner(pre, post),
		closeStore: closeStore,
	}
	if !cfg.LSP.Disabled {
		e.LSP = lsp.NewManager(cfg.Agent.Workspace)
	}
	if len(opts.AllowedTools) > 0 {
		cfg.Tools.Allowed = opts.AllowedTools
	}
	if len(opts.DisallowedTools) > 0 {
		cfg.Tools.Disallowed = append(cfg.Tools.Disallowed, opts.DisallowedTools...)
	}
	if opts.PermissionMode != "" {
		cfg.Tools.PermissionMode = opts.PermissionMode
	}
	if opts.MaxTurns > 0 {
		cfg.Agent.MaxTurns = opts.MaxTurns
	}
	if opts.MaxBudgetUSD > 0 {
		cfg.Agent.MaxBudgetUSD = opts.MaxBudgetUSD
	}
	if opts.Effort != "" {
		cfg.Agent.Effort = opts.Effort
	}
	return e, nil
}

// Close flushes and stops shared resources.
func (e *Engine) Close(ctx context.Context) {
	if e.LSP != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		e.LSP.Shutdown(ctx)
	}
	if e.closeStore != nil {
		e.closeStore()
	}
}

// LoopOptions configures one conversation loop.
type LoopOptions struct {
	ConversationID string
	Resume         bool
	Events         bus.Publisher
	Asker          tools.Asker
	Mode           tools.PermissionMode
	Limits         agent.Limits
	Model          string
}

// NewLoop builds a fresh turn loop. Each conversation gets its own
// registry (file hooks are session-scoped), detector, and context
// manager; the LSP manager and stores are shared.
func (e *Engine) NewLoop(opts LoopOptions) (*agent.Loop, error) {
	id := opts.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	conv := &store.Conversation{ID: id}
	if opts.Resume {
		loaded, err := e.Store.Load(id)
		if err != nil {
			return nil, fmt.Errorf("resume conversation: %w", err)
		}
		conv = loaded
	}

	model := opts.Model
	if model == "" {
		model = e.Provider.DefaultModel()
	}
	limits := opts.Limits
	if limits.MaxTurns <= 0 {
		limits.MaxTurns = e.Cfg.Agent.MaxTurns
	}
	if limits.MaxBudgetUSD <= 0 {
		limits.MaxBudgetUSD = e.Cfg.Agent.MaxBudgetUSD
	}

	detector := loopdetect.New()
	registry := e.buildRegistry(id, opts.Events, opts.Asker)

	// Sub-agent scheduling: children get fresh loops over a restricted
	// registry, sharing the LSP manager and provider.
	mgr := subagents.NewManager(e.childFactory(opts), registry, opts.Events)
	registry.Register(&subagents.SpawnTool{Manager: mgr})
	registry.Register(&subagents.TeamTool{Manager: mgr})

	// Allow/deny lists apply to the whole surface, spawn tools included.
	registry = registry.Filtered(e.Cfg.Tools.Allowed, e.Cfg.Tools.Disallowed)
	mgr.BaseRegistry = registry

	dispatcher := &tools.Dispatcher{
		Registry: registry,
		Detector: detector,
		Hooks:    e.Hooks,
		Events:   opts.Events,
		Asker:    opts.Asker,
		Mode:     opts.Mode,
		Cwd:      e.Cfg.Agent.Workspace,
	}

	loop := &agent.Loop{
		Provider:       e.Provider,
		Model:          model,
		SystemPrompt:   e.systemPrompt(registry),
		Dispatcher:     dispatcher,
		Detector:       detector,
		Context:        contextmgr.New(e.Provider, model, e.Cfg.Agent.ContextWindow),
		Events:         opts.Events,
		Store:          e.Store,
		Conversation:   conv,
		Limits:         limits,
		MaxReplyTokens: effortTokens(e.Cfg.Agent.Effort),
	}
	return loop, nil
}

// effortTokens maps the effort setting to a per-reply token budget.
func effortTokens(effort string) int {
	switch effort {
	case "low":
		return 4096
	case "high":
		return 16384
	case "medium":
		return 8192
	default:
		return 0
	}
}

func (e *Engine) childFactory(parent LoopOptions) subagents.LoopFactory {
	return func(childID string, events bus.Publisher, registry *tools.Registry, limits agent.Limits) *agent.Loop {
		detector := loopdetect.New()
		model := parent.Model
		if model == "" {
			model = e.Provider.DefaultModel()
		}
		return &agent.Loop{
			Provider: e.Provider,
			Model:    model,
			SystemPrompt: "You are a focused sub-agent. Complete the given task and reply with " +
				"a concise result; do not ask the user questions.",
			Dispatcher: &tools.Dispatcher{
				Registry: registry,
				Detector: detector,
				Hooks:    e.Hooks,
				Events:   events,
				Mode:     tools.ModeYolo, // children never prompt; risky tools are stripped instead
				Cwd:      e.Cfg.Agent.Workspace,
			},
			Detector:     detector,
			Context:      contextmgr.New(e.Provider, model, e.Cfg.Agent.ContextWindow),
			Events:       events,
			Conversation: &store.Conversation{ID: childID},
			Limits:       limits,
		}
	}
}

func (e *Engine) buildRegistry(conversationID string, events bus.Publisher, asker tools.Asker) *tools.Registry {
	ws := e.Cfg.Agent.Workspace
	restrict := e.Cfg.Agent.RestrictToWorkspace

	fileHooks := &tools.FileHooks{
		PreEdit: func(path string) { e.Backups.Snapshot(conversationID, path) },
		Changed: func(path string) {
			if e.LSP != nil {
				e.LSP.NotifyFileChanged(path)
			}
		},
	}

	reg := tools.NewRegistry()
	reg.Register(&tools.ReadFileTool{Workspace: ws, Restrict: restrict})
	reg.Register(&tools.WriteFileTool{Workspace: ws, Restrict: restrict, Hooks: fileHooks})
	reg.Register(&tools.EditFileTool{Workspace: ws, Restrict: restrict, Hooks: fileHooks})
	reg.Register(&tools.ListDirectoryTool{Workspace: ws, Restrict: restrict})
	reg.Register(&tools.SearchFilesTool{Workspace: ws, Restrict: restrict})
	reg.Register(tools.NewFetchTool())

	execTool := tools.NewExecTool(ws, restrict, e.Sandbox)
	execTool.Timeout = e.Cfg.ExecTimeout()
	reg.Register(execTool)

	if asker != nil {
		reg.Register(&tools.AskUserTool{Asker: asker})
	}
	if e.LSP != nil {
		lsp.RegisterTools(reg, e.LSP)
	}
	mcp.RegisterAll(reg, e.Cfg.MCP)
	return reg
}

// ToolCatalog lists the tools a fresh conversation would see, for
// advertisement to clients.
func (e *Engine) ToolCatalog() []tools.Tool {
	loop, err := e.NewLoop(LoopOptions{ConversationID: "catalog"})
	if err != nil {
		return nil
	}
	return loop.Dispatcher.Registry.List()
}

func (e *Engine) systemPrompt(reg *tools.Registry) string {
	if e.Cfg.Agent.SystemPrompt != "" {
		return e.Cfg.Agent.SystemPrompt
	}
	var b strings.Builder
	b.WriteString("You are whale, a local-first coding agent running in the user's workspace.\n\n")
	fmt.Fprintf(&b, "Workspace: %s\n", e.Cfg.Agent.Workspace)
	fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(reg.Names(), ", "))
	b.WriteString("Use tools to inspect and modify the workspace. Prefer reading files before " +
		"editing them. Report results concisely; when a task is done, stop calling tools and " +
		"summarize what changed.")
	return b.String()
}
