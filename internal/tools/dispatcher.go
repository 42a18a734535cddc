package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/hooks"
	"github.com/whalelabs/whale/internal/loopdetect"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/pkg/protocol"
)

// PermissionMode controls the write gate.
type PermissionMode string

const (
	// ModeDefault prompts the user before mutating local tools run.
	ModeDefault PermissionMode = "default"
	// ModePlan replaces mutating local tools with a synthetic result.
	ModePlan PermissionMode = "plan"
	// ModeYolo skips confirmation.
	ModeYolo PermissionMode = "yolo"
)

// Dispatcher resolves and executes the tool calls of one model turn.
type Dispatcher struct {
	Registry *Registry
	Detector *loopdetect.Detector
	Hooks    *hooks.Runner
	Events   bus.Publisher
	Asker    Asker
	Mode     PermissionMode
	Cwd      string

	// UserPrompt is the current user message, exported to hooks.
	UserPrompt string

	// MaxResultBytes truncates tool results for conversation and wire.
	// Zero means the protocol default.
	MaxResultBytes int
}

type gatedCall struct {
	idx       int
	call      providers.ToolCall
	tool      Tool
	preempted *Result // set when the call never executes (block/veto/invalid)
}

type indexedResult struct {
	idx      int
	call     providers.ToolCall
	result   *Result
	started  time.Time
	duration time.Duration
	executed bool // false when the result is synthetic
}

// Dispatch runs all tool calls of one assistant turn. Calls execute
// concurrently, but results are committed in the order the model requested
// them, and loop-detector bookkeeping is sequential so verdicts stay
// deterministic.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []providers.ToolCall) []providers.Message {
	gated := make([]gatedCall, len(calls))

	// Phase 1, sequential: loop-detector gating, resolution, input
	// validation, permission gate, pre-hooks. Emits tool_start for every
	// call up front so transports see the whole batch.
	for i, call := range calls {
		d.emit(bus.Event{Type: bus.TypeToolStart, Payload: bus.ToolStartPayload{
			ID: call.ID, Name: call.Name, Input: call.Arguments,
		}})
		gated[i] = d.gate(ctx, i, call)
	}

	// Phase 2, parallel: execute everything that survived gating.
	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for _, g := range gated {
		if g.preempted != nil {
			resultCh <- indexedResult{idx: g.idx, call: g.call, result: g.preempted}
			continue
		}
		wg.Add(1)
		go func(g gatedCall) {
			defer wg.Done()
			started := time.Now()
			res := d.execute(ctx, g)
			resultCh <- indexedResult{
				idx: g.idx, call: g.call, result: res,
				started: started, duration: time.Since(started), executed: true,
			}
		}(g)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	// Phase 3, sequential in request order: truncate, record results,
	// emit tool_end, build conversation messages.
	messages := make([]providers.Message, 0, len(calls))
	for _, r := range collected {
		body := Truncate(r.result.ForLLM, d.maxResultBytes())
		if r.executed {
			d.Detector.RecordResult(r.call.Name, !r.result.IsError, r.call.Arguments)
		}
		if r.result.IsError {
			msg := r.result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			slog.Warn("tool error", "tool", r.call.Name, "error", msg)
		}
		d.emit(bus.Event{Type: bus.TypeToolEnd, Payload: bus.ToolEndPayload{
			ID: r.call.ID, Name: r.call.Name, OK: !r.result.IsError,
			Result: body, DurationMs: r.duration.Milliseconds(),
		}})
		messages = append(messages, providers.Message{
			Role:       "tool",
			Content:    body,
			ToolCallID: r.call.ID,
		})
	}
	return messages
}

// gate performs the sequential pre-execution pipeline for one call.
func (d *Dispatcher) gate(ctx context.Context, idx int, call providers.ToolCall) gatedCall {
	g := gatedCall{idx: idx, call: call}

	// Loop detector first: a blocked call consumes no other resources and
	// its verdict must not depend on concurrent execution.
	if v := d.Detector.RecordCall(call.Name, call.Arguments); v.Blocked {
		d.Detector.RecordResult(call.Name, false, call.Arguments)
		g.preempted = ErrorResult(v.Reason)
		return g
	}

	tool, ok := d.Registry.Get(call.Name)
	if !ok {
		d.Detector.RecordResult(call.Name, false, call.Arguments)
		g.preempted = ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
		return g
	}
	g.tool = tool

	if missing := missingRequired(tool.Parameters(), call.Arguments); len(missing) > 0 {
		d.Detector.RecordResult(call.Name, false, call.Arguments)
		g.preempted = ErrorResult(fmt.Sprintf(
			"invalid input for %s: missing required key(s) %s", call.Name, strings.Join(missing, ", ")))
		return g
	}

	if res := d.permissionGate(ctx, tool, call); res != nil {
		g.preempted = res
		return g
	}

	if d.Hooks != nil {
		decision := d.Hooks.RunPre(ctx, hooks.Invocation{
			ToolName:   call.Name,
			ToolInput:  call.Arguments,
			FilePath:   filePathArg(call.Arguments),
			UserPrompt: d.UserPrompt,
			Cwd:        d.Cwd,
		})
		if decision.Blocked {
			d.Detector.RecordResult(call.Name, false, call.Arguments)
			g.preempted = ErrorResult(fmt.Sprintf("blocked by hook: %s", decision.Reason))
			return g
		}
	}
	return g
}

func (d *Dispatcher) permissionGate(ctx context.Context, tool Tool, call providers.ToolCall) *Result {
	if tool.ReadOnly() || tool.Category() != CategoryLocal {
		return nil
	}
	switch d.Mode {
	case ModeYolo:
		return nil
	case ModePlan:
		return NewResult(fmt.Sprintf(
			"%s was not executed: the session is in plan mode. Describe the change instead of applying it.", call.Name))
	default:
		if d.Asker == nil {
			return nil
		}
		prompt := fmt.Sprintf("Allow %s?", call.Name)
		answer, err := d.Asker.Ask(ctx, prompt, []string{"yes", "no"})
		if err != nil || strings.EqualFold(answer, "no") {
			return ErrorResult(fmt.Sprintf("user declined to run %s", call.Name))
		}
		return nil
	}
}

func (d *Dispatcher) execute(ctx context.Context, g gatedCall) *Result {
	res := g.tool.Execute(ctx, g.call.Arguments)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", g.call.Name))
	}
	if d.Hooks != nil {
		d.Hooks.RunPost(ctx, hooks.Invocation{
			ToolName:   g.call.Name,
			ToolInput:  g.call.Arguments,
			ToolOutput: res.ForLLM,
			FilePath:   filePathArg(g.call.Arguments),
			UserPrompt: d.UserPrompt,
			Cwd:        d.Cwd,
		})
	}
	return res
}

func (d *Dispatcher) emit(ev bus.Event) {
	if d.Events != nil {
		d.Events.Emit(ev)
	}
}

func (d *Dispatcher) maxResultBytes() int {
	if d.MaxResultBytes > 0 {
		return d.MaxResultBytes
	}
	return protocol.MaxToolResultBytes
}

// Truncate cuts s to at most max bytes, appending the truncation marker
// when anything was removed.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + protocol.TruncationMarker
}

func missingRequired(schema map[string]any, args map[string]any) []string {
	var missing []string
	switch req := schema["required"].(type) {
	case []string:
		for _, k := range req {
			if _, ok := args[k]; !ok {
				missing = append(missing, k)
			}
		}
	case []any:
		for _, kv := range req {
			if k, ok := kv.(string); ok {
				if _, present := args[k]; !present {
					missing = append(missing, k)
				}
			}
		}
	}
	return missing
}

func filePathArg(args map[string]any) string {
	if p, ok := args["path"].(string); ok {
		return p
	}
	return ""
}
