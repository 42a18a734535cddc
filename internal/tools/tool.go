// Package tools defines the tool surface exposed to the model and the
// dispatcher that executes tool calls: permission gating, hook invocation,
// loop-detector bookkeeping, and parallel-but-ordered result commit.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/whalelabs/whale/internal/providers"
)

// Category classifies how a tool executes.
type Category string

const (
	CategoryLocal       Category = "local"
	CategoryServer      Category = "server"
	CategoryLSP         Category = "lsp"
	CategoryInteractive Category = "interactive"
	CategorySubagent    Category = "subagent"
	CategoryTeam        Category = "team"
)

// Tool is one named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Category() Category
	// ReadOnly tools skip the write-permission gate and run in plan mode.
	ReadOnly() bool
	Execute(ctx context.Context, args map[string]any) *Result
}

// StoreContextual marks tools that need a bound conversation/store context
// before they can run (e.g. file-history snapshots).
type StoreContextual interface {
	RequiresStoreContext() bool
}

// Registry holds tool definitions. Registration order is irrelevant;
// listings are sorted by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Defs converts the registry to provider tool definitions.
func (r *Registry) Defs() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, t := range r.List() {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Filtered returns a new registry restricted by allow/deny lists. An empty
// allow list admits everything not denied.
func (r *Registry) Filtered(allowed, denied []string) *Registry {
	allowSet := toSet(allowed)
	denySet := toSet(denied)
	out := NewRegistry()
	for _, t := range r.List() {
		if _, deny := denySet[t.Name()]; deny {
			continue
		}
		if len(allowSet) > 0 {
			if _, ok := allowSet[t.Name()]; !ok {
				continue
			}
		}
		out.Register(t)
	}
	return out
}

// WithoutCategories returns a copy excluding the given categories. Used to
// strip spawn tools from sub-agent registries at max depth.
func (r *Registry) WithoutCategories(cats ...Category) *Registry {
	drop := make(map[Category]struct{}, len(cats))
	for _, c := range cats {
		drop[c] = struct{}{}
	}
	out := NewRegistry()
	for _, t := range r.List() {
		if _, skip := drop[t.Category()]; skip {
			continue
		}
		out.Register(t)
	}
	return out
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}
