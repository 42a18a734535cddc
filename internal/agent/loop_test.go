package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/contextmgr"
	"github.com/whalelabs/whale/internal/loopdetect"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/internal/store"
	"github.com/whalelabs/whale/internal/tools"
)

// scriptedProvider replays canned responses, one per Stream call.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []providers.ChatRequest
}

type scriptStep struct {
	resp  *providers.ChatResponse
	err   error
	hang  bool // stream one delta then block until ctx cancel
}

func (p *scriptedProvider) Stream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		p.mu.Unlock()
		return &providers.ChatResponse{Content: "(script exhausted)"}, nil
	}
	step := p.script[0]
	p.script = p.script[1:]
	p.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	if step.hang {
		if onChunk != nil {
			onChunk(providers.StreamChunk{Content: "partial"})
		}
		<-ctx.Done()
		return nil, providers.ErrCancelled
	}
	if onChunk != nil && step.resp.Content != "" {
		onChunk(providers.StreamChunk{Content: step.resp.Content})
	}
	return step.resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "claude-sonnet-4-5" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func textStep(content string, in, out int) scriptStep {
	return scriptStep{resp: &providers.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: in, CompletionTokens: out},
	}}
}

func toolStep(calls ...providers.ToolCall) scriptStep {
	return scriptStep{resp: &providers.ChatResponse{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

type echoTool struct {
	name  string
	reply string
	fail  bool
}

func (e *echoTool) Name() string                { return e.name }
func (e *echoTool) Description() string         { return "test tool" }
func (e *echoTool) Category() tools.Category    { return tools.CategoryLocal }
func (e *echoTool) ReadOnly() bool              { return true }
func (e *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object", "properties": map[string]any{}} }
func (e *echoTool) Execute(context.Context, map[string]any) *tools.Result {
	if e.fail {
		return tools.ErrorResult("tool failed: " + e.reply)
	}
	return tools.NewResult(e.reply)
}

func newLoop(p providers.Provider, reg *tools.Registry, b *bus.Bus, limits Limits) *Loop {
	det := loopdetect.New()
	return &Loop{
		Provider: p,
		Model:    "claude-sonnet-4-5",
		Dispatcher: &tools.Dispatcher{
			Registry: reg,
			Detector: det,
			Events:   b,
			Mode:     tools.ModeYolo,
		},
		Detector:     det,
		Context:      contextmgr.New(p, "claude-sonnet-4-5", 200_000),
		Events:       b,
		Conversation: &store.Conversation{ID: "test"},
		Limits:       limits,
	}
}

func drainEvents(t *testing.T, drain func() []bus.Event, want int) []bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := drain(); len(evs) >= want {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	return drain()
}

func TestSingleTextReply(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{textStep("hello\n", 3, 1)}}
	b := bus.New()
	defer b.Destroy()
	drain := bus.Collect(b, "t")

	l := newLoop(p, tools.NewRegistry(), b, Limits{MaxTurns: 5})
	res, err := l.Run(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello\n" || res.Outcome != bus.OutcomeDone || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.CostUSD <= 0 {
		t.Error("cost must be positive")
	}
	if got := len(l.Conversation.Messages); got != 2 {
		t.Errorf("conversation grew by %d, want 2 (user + assistant)", got)
	}

	evs := drainEvents(t, drain, 3)
	var kinds []bus.Type
	for _, ev := range evs {
		kinds = append(kinds, ev.Type)
	}
	want := []bus.Type{bus.TypeText, bus.TypeUsage, bus.TypeDone}
	if len(kinds) != 3 {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestToolCallThenText(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{
		toolStep(providers.ToolCall{ID: "a", Name: "read_file", Arguments: map[string]any{"path": "/x"}}),
		textStep("file said HELLO", 20, 4),
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{name: "read_file", reply: "HELLO"})

	b := bus.New()
	defer b.Destroy()
	drain := bus.Collect(b, "t")

	l := newLoop(p, reg, b, Limits{MaxTurns: 5})
	res, err := l.Run(context.Background(), "read /x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "file said HELLO" || res.Turns != 2 {
		t.Errorf("result = %+v", res)
	}

	// Conversation: user, assistant(tool_call), tool result, assistant.
	msgs := l.Conversation.Messages
	if len(msgs) != 4 {
		t.Fatalf("conversation length = %d", len(msgs))
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "a" || msgs[2].Content != "HELLO" {
		t.Errorf("tool result message = %+v", msgs[2])
	}

	evs := drainEvents(t, drain, 5)
	sawStart, sawEnd := false, false
	for _, ev := range evs {
		switch pl := ev.Payload.(type) {
		case bus.ToolStartPayload:
			if pl.ID == "a" && pl.Name == "read_file" {
				sawStart = true
			}
			if sawEnd {
				t.Error("tool_end before tool_start")
			}
		case bus.ToolEndPayload:
			if pl.ID == "a" && pl.OK && pl.Result == "HELLO" {
				sawEnd = true
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("tool events missing: start=%v end=%v", sawStart, sawEnd)
	}
}

func TestParallelToolResultsCommittedInRequestOrder(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{
		toolStep(
			providers.ToolCall{ID: "t1", Name: "slow", Arguments: map[string]any{}},
			providers.ToolCall{ID: "t2", Name: "fast", Arguments: map[string]any{}},
		),
		textStep("done", 5, 2),
	}}
	reg := tools.NewRegistry()
	reg.Register(&slowTool{})
	reg.Register(&echoTool{name: "fast", reply: "quick"})

	l := newLoop(p, reg, bus.New(), Limits{MaxTurns: 5})
	if _, err := l.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	msgs := l.Conversation.Messages
	// user, assistant, tool(t1), tool(t2), assistant
	if msgs[2].ToolCallID != "t1" || msgs[3].ToolCallID != "t2" {
		t.Errorf("tool results out of order: %s then %s", msgs[2].ToolCallID, msgs[3].ToolCallID)
	}
}

type slowTool struct{}

func (s *slowTool) Name() string               { return "slow" }
func (s *slowTool) Description() string        { return "slow" }
func (s *slowTool) Category() tools.Category   { return tools.CategoryLocal }
func (s *slowTool) ReadOnly() bool             { return true }
func (s *slowTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *slowTool) Execute(context.Context, map[string]any) *tools.Result {
	time.Sleep(60 * time.Millisecond)
	return tools.NewResult("eventually")
}

func TestBudgetExceeded(t *testing.T) {
	// ~1.3M prompt tokens at sonnet pricing ≈ $4 — far over a $0.001 cap.
	p := &scriptedProvider{script: []scriptStep{textStep("pricey", 1_300_000, 10)}}
	b := bus.New()
	defer b.Destroy()
	drain := bus.Collect(b, "t")

	l := newLoop(p, tools.NewRegistry(), b, Limits{MaxTurns: 5, MaxBudgetUSD: 0.001})
	_, err := l.Run(context.Background(), "hi")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}

	evs := drainEvents(t, drain, 3)
	terminalSeen := 0
	for _, ev := range evs {
		if ev.Type == bus.TypeError {
			terminalSeen++
			if pl := ev.Payload.(bus.ErrorPayload); pl.Kind != "BudgetExceeded" {
				t.Errorf("error kind = %s", pl.Kind)
			}
		}
		if ev.Type == bus.TypeDone {
			t.Error("done emitted alongside budget error")
		}
	}
	if terminalSeen != 1 {
		t.Errorf("terminal error events = %d, want 1", terminalSeen)
	}
}

func TestCancellationDuringStream(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{hang: true}}}
	b := bus.New()
	defer b.Destroy()
	drain := bus.Collect(b, "t")

	l := newLoop(p, tools.NewRegistry(), b, Limits{MaxTurns: 5})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *RunResult, 1)
	go func() {
		res, _ := l.Run(ctx, "hi")
		done <- res
	}()

	time.Sleep(30 * time.Millisecond) // let the first delta flow
	cancel()

	var res *RunResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if res.Outcome != bus.OutcomeAborted {
		t.Errorf("outcome = %s", res.Outcome)
	}

	// No partial assistant message committed.
	for _, m := range l.Conversation.Messages {
		if m.Role == "assistant" {
			t.Errorf("partial assistant message committed: %q", m.Content)
		}
	}

	evs := drainEvents(t, drain, 2)
	aborted := 0
	for _, ev := range evs {
		if ev.Type == bus.TypeDone {
			if pl := ev.Payload.(bus.DonePayload); pl.Outcome == bus.OutcomeAborted {
				aborted++
			}
		}
	}
	if aborted != 1 {
		t.Errorf("aborted terminal events = %d, want 1", aborted)
	}
}

func TestTurnLimit(t *testing.T) {
	// The model asks for a tool every turn and never finishes.
	var script []scriptStep
	for i := 0; i < 10; i++ {
		script = append(script, toolStep(providers.ToolCall{
			ID: "c" + string(rune('0'+i)), Name: "fast", Arguments: map[string]any{"i": i},
		}))
	}
	p := &scriptedProvider{script: script}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{name: "fast", reply: "ok"})

	l := newLoop(p, reg, bus.New(), Limits{MaxTurns: 3})
	res, err := l.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != bus.OutcomeTurnLimit || res.Turns != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestBailAfterRepeatedlyFailingTurns(t *testing.T) {
	var script []scriptStep
	for i := 0; i < 6; i++ {
		script = append(script, toolStep(providers.ToolCall{
			ID: "f" + string(rune('0'+i)), Name: "broken", Arguments: map[string]any{"i": i},
		}))
	}
	p := &scriptedProvider{script: script}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{name: "broken", reply: "nope", fail: true})

	l := newLoop(p, reg, bus.New(), Limits{MaxTurns: 10})
	res, err := l.Run(context.Background(), "try")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != bus.OutcomeBailed {
		t.Errorf("outcome = %s, want bailed", res.Outcome)
	}
	if res.Turns != loopdetect.ConsecutiveFailedTurnLimit {
		t.Errorf("bailed after %d turns, want %d", res.Turns, loopdetect.ConsecutiveFailedTurnLimit)
	}
}

func TestSystemPromptPrepended(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{textStep("ok", 1, 1)}}
	l := newLoop(p, tools.NewRegistry(), bus.New(), Limits{MaxTurns: 2})
	l.SystemPrompt = "you are whale"
	if _, err := l.Run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	req := p.requests[0]
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "you are whale" {
		t.Errorf("first request message = %+v", req.Messages[0])
	}
}
