// Package subagents schedules isolated child agents. Each child runs a
// fresh turn loop in its own goroutine with a restricted tool set, a fresh
// loop detector, and its own limits; progress flows back to the parent's
// event bus re-tagged with the child's id. Parents hold only ids — children
// never reference parent state.
package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whalelabs/whale/internal/agent"
	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/tools"
)

// MaxDepth bounds nesting: the root agent is depth 0; agents at MaxDepth
// cannot spawn further children, and teams are never available to children.
const MaxDepth = 2

// DefaultTeamSize caps concurrent teammates when the caller does not say.
const DefaultTeamSize = 4

// Child states.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// LoopFactory builds a fresh turn loop for one child. The implementation
// must give every child its own detector, conversation, and context
// manager; events must go to the supplied publisher.
type LoopFactory func(childID string, events bus.Publisher, registry *tools.Registry, limits agent.Limits) *agent.Loop

// Record tracks one child, addressable by id.
type Record struct {
	ID          string
	Type        string
	Model       string
	Description string
	State       string
	Tokens      int64
	DurationMs  int64
	Output      string
}

// Manager owns the child registry for one parent agent.
type Manager struct {
	Factory      LoopFactory
	BaseRegistry *tools.Registry
	Events       bus.Publisher
	Depth        int
	ChildLimits  agent.Limits
	TeamSize     int

	mu      sync.Mutex
	records map[string]*Record
}

func NewManager(factory LoopFactory, base *tools.Registry, events bus.Publisher) *Manager {
	return &Manager{
		Factory:      factory,
		BaseRegistry: base,
		Events:       events,
		ChildLimits:  agent.Limits{MaxTurns: 15},
		TeamSize:     DefaultTeamSize,
		records:      make(map[string]*Record),
	}
}

// Get looks a child up by id.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// childRegistry strips scheduling tools according to depth: teams never
// nest, and at MaxDepth children lose spawning entirely.
func (m *Manager) childRegistry() *tools.Registry {
	reg := m.BaseRegistry.WithoutCategories(tools.CategoryTeam)
	if m.Depth+1 >= MaxDepth {
		reg = reg.WithoutCategories(tools.CategorySubagent)
	}
	return reg
}

// runChild executes one child to completion and returns its output.
// The child's events reach the parent bus tagged with its id.
func (m *Manager) runChild(ctx context.Context, kind, description, input string) (rec *Record, err error) {
	id := uuid.NewString()
	rec = &Record{ID: id, Type: kind, Description: description, State: StatePending}
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	scoped := bus.Scoped(m.Events, id)
	loop := m.Factory(id, scoped, m.childRegistry(), m.ChildLimits)
	rec.Model = loop.Model

	m.emit(bus.Event{Type: bus.TypeSubagentStart, AgentID: id, Payload: bus.SubagentPayload{
		ID: id, Kind: kind, Description: description, State: StateRunning,
	}})
	m.setState(rec, StateRunning)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("subagent panicked", "id", id, "panic", r, "stack", string(debug.Stack()))
			m.setState(rec, StateFailed)
			rec.Output = fmt.Sprintf("subagent crashed: %v", r)
			err = nil // crash containment: the parent sees a failed record, not a panic
		}
		m.emit(bus.Event{Type: bus.TypeSubagentDone, AgentID: id, Payload: bus.SubagentPayload{
			ID: id, Kind: kind, State: rec.State, Tokens: rec.Tokens,
			DurationMs: rec.DurationMs, Output: rec.Output,
		}})
	}()

	childCtx, cancel := context.WithCancel(ctx) // parent abort cascades here
	defer cancel()

	start := time.Now()
	res, runErr := loop.Run(childCtx, input)
	rec.DurationMs = time.Since(start).Milliseconds()

	if runErr != nil {
		m.setState(rec, StateFailed)
		rec.Output = runErr.Error()
		return rec, nil
	}
	rec.Tokens = int64(res.Usage.TotalTokens)
	if res.Outcome != bus.OutcomeDone {
		m.setState(rec, StateFailed)
		rec.Output = fmt.Sprintf("subagent ended with %s: %s", res.Outcome, res.Content)
		return rec, nil
	}
	m.setState(rec, StateDone)
	rec.Output = res.Content
	return rec, nil
}

func (m *Manager) setState(rec *Record, state string) {
	m.mu.Lock()
	rec.State = state
	m.mu.Unlock()
}

func (m *Manager) emit(ev bus.Event) {
	if m.Events != nil {
		m.Events.Emit(ev)
	}
}
