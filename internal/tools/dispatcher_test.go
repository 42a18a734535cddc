package tools

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/hooks"
	"github.com/whalelabs/whale/internal/loopdetect"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/pkg/protocol"
)

// fakeTool is a scriptable tool for dispatcher tests.
type fakeTool struct {
	name     string
	readOnly bool
	category Category
	required []string
	execute  func(ctx context.Context, args map[string]any) *Result
	calls    atomic.Int32
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake" }
func (f *fakeTool) Category() Category {
	if f.category == "" {
		return CategoryLocal
	}
	return f.category
}
func (f *fakeTool) ReadOnly() bool { return f.readOnly }
func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   f.required,
	}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) *Result {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return NewResult("ok")
}

func newDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{
		Registry: reg,
		Detector: loopdetect.New(),
		Mode:     ModeYolo,
	}
}

func TestDispatchCommitsResultsInRequestOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "slow", readOnly: true, execute: func(ctx context.Context, _ map[string]any) *Result {
		time.Sleep(80 * time.Millisecond)
		return NewResult("slow done")
	}})
	reg.Register(&fakeTool{name: "fast", readOnly: true, execute: func(ctx context.Context, _ map[string]any) *Result {
		return NewResult("fast done")
	}})

	d := newDispatcher(reg)
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "slow", Arguments: map[string]any{}},
		{ID: "2", Name: "fast", Arguments: map[string]any{}},
	})

	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].ToolCallID != "1" || msgs[1].ToolCallID != "2" {
		t.Errorf("results out of request order: %s, %s", msgs[0].ToolCallID, msgs[1].ToolCallID)
	}
	if msgs[0].Content != "slow done" {
		t.Errorf("first result = %q", msgs[0].Content)
	}
}

func TestDispatchBlocksFourthIdenticalCall(t *testing.T) {
	reg := NewRegistry()
	listTool := &fakeTool{name: "list_directory", readOnly: true, execute: func(context.Context, map[string]any) *Result {
		return NewResult("a.txt")
	}}
	reg.Register(listTool)

	d := newDispatcher(reg)
	args := map[string]any{"path": "/foo"}

	var last providers.Message
	for i := 0; i < 4; i++ {
		msgs := d.Dispatch(context.Background(), []providers.ToolCall{
			{ID: fmt.Sprintf("c%d", i), Name: "list_directory", Arguments: args},
		})
		last = msgs[0]
	}

	if listTool.calls.Load() != 3 {
		t.Errorf("tool executed %d times, want 3 (4th blocked)", listTool.calls.Load())
	}
	if !strings.Contains(last.Content, "identical call made 4 times") {
		t.Errorf("synthetic result %q lacks block reason", last.Content)
	}
}

func TestDispatchTruncatesLargeResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "big", readOnly: true, execute: func(context.Context, map[string]any) *Result {
		return NewResult(strings.Repeat("x", protocol.MaxToolResultBytes+500))
	}})

	d := newDispatcher(reg)
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{{ID: "1", Name: "big", Arguments: map[string]any{}}})
	if len(msgs[0].Content) > protocol.MaxToolResultBytes+len(protocol.TruncationMarker) {
		t.Errorf("result not truncated: %d bytes", len(msgs[0].Content))
	}
	if !strings.HasSuffix(msgs[0].Content, protocol.TruncationMarker) {
		t.Error("truncation marker missing")
	}
}

func TestDispatchMissingRequiredKey(t *testing.T) {
	reg := NewRegistry()
	ft := &fakeTool{name: "needy", readOnly: true, required: []string{"path"}}
	reg.Register(ft)

	d := newDispatcher(reg)
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{{ID: "1", Name: "needy", Arguments: map[string]any{}}})
	if ft.calls.Load() != 0 {
		t.Error("tool executed despite missing required key")
	}
	if !strings.Contains(msgs[0].Content, "missing required key") {
		t.Errorf("result = %q", msgs[0].Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newDispatcher(NewRegistry())
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{{ID: "1", Name: "nope", Arguments: map[string]any{}}})
	if !strings.Contains(msgs[0].Content, "unknown tool") {
		t.Errorf("result = %q", msgs[0].Content)
	}
}

func TestPlanModeReplacesMutatingTools(t *testing.T) {
	reg := NewRegistry()
	mutating := &fakeTool{name: "write_file"}
	readonly := &fakeTool{name: "read_file", readOnly: true}
	reg.Register(mutating)
	reg.Register(readonly)

	d := newDispatcher(reg)
	d.Mode = ModePlan
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "write_file", Arguments: map[string]any{}},
		{ID: "2", Name: "read_file", Arguments: map[string]any{}},
	})

	if mutating.calls.Load() != 0 {
		t.Error("mutating tool executed in plan mode")
	}
	if readonly.calls.Load() != 1 {
		t.Error("read-only tool blocked in plan mode")
	}
	if !strings.Contains(msgs[0].Content, "plan mode") {
		t.Errorf("synthetic result = %q", msgs[0].Content)
	}
}

func TestDefaultModeAsksBeforeMutating(t *testing.T) {
	reg := NewRegistry()
	mutating := &fakeTool{name: "write_file"}
	reg.Register(mutating)

	d := newDispatcher(reg)
	d.Mode = ModeDefault
	d.Asker = &StaticAsker{Answer: "no"}
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{{ID: "1", Name: "write_file", Arguments: map[string]any{}}})
	if mutating.calls.Load() != 0 {
		t.Error("tool ran despite user declining")
	}
	if !strings.Contains(msgs[0].Content, "declined") {
		t.Errorf("result = %q", msgs[0].Content)
	}

	d.Asker = &StaticAsker{Answer: "yes"}
	d.Dispatch(context.Background(), []providers.ToolCall{{ID: "2", Name: "write_file", Arguments: map[string]any{"x": 1}}})
	if mutating.calls.Load() != 1 {
		t.Error("tool did not run after approval")
	}
}

func TestPreHookVetoSkipsExecution(t *testing.T) {
	reg := NewRegistry()
	ft := &fakeTool{name: "exec"}
	reg.Register(ft)

	d := newDispatcher(reg)
	d.Hooks = hooks.NewRunner([]hooks.Spec{{Command: `echo "[blocked] not today"`}}, nil)
	msgs := d.Dispatch(context.Background(), []providers.ToolCall{{ID: "1", Name: "exec", Arguments: map[string]any{}}})
	if ft.calls.Load() != 0 {
		t.Error("tool executed despite hook veto")
	}
	if !strings.Contains(msgs[0].Content, "blocked by hook") {
		t.Errorf("result = %q", msgs[0].Content)
	}
}

func TestDispatchEmitsPairedStartEndEvents(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "a", readOnly: true})
	reg.Register(&fakeTool{name: "b", readOnly: true, execute: func(context.Context, map[string]any) *Result {
		return ErrorResult("boom")
	}})

	b := bus.New()
	defer b.Destroy()
	drain := bus.Collect(b, "t")

	d := newDispatcher(reg)
	d.Events = b
	d.Dispatch(context.Background(), []providers.ToolCall{
		{ID: "x", Name: "a", Arguments: map[string]any{}},
		{ID: "y", Name: "b", Arguments: map[string]any{}},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(drain()) < 4 {
		time.Sleep(5 * time.Millisecond)
	}
	starts := map[string]int{}
	ends := map[string]int{}
	for _, ev := range drain() {
		switch p := ev.Payload.(type) {
		case bus.ToolStartPayload:
			starts[p.ID]++
		case bus.ToolEndPayload:
			ends[p.ID]++
			if p.ID == "y" && p.OK {
				t.Error("error result reported OK")
			}
		}
	}
	for _, id := range []string{"x", "y"} {
		if starts[id] != 1 || ends[id] != 1 {
			t.Errorf("id %s: starts=%d ends=%d, want 1/1", id, starts[id], ends[id])
		}
	}
}
