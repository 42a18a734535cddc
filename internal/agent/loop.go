// Package agent drives one conversation: user message in, many model turns,
// final reply out. The loop owns the conversation list and counters and
// mutates them only on turn boundaries; everything observable streams
// through the event bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/contextmgr"
	"github.com/whalelabs/whale/internal/loopdetect"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/internal/store"
	"github.com/whalelabs/whale/internal/tools"
)

// Terminal errors. ErrCancelled lives in providers and is shared.
var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrLLMFatal       = errors.New("llm request failed")
)

// Limits caps one conversation run.
type Limits struct {
	MaxTurns     int
	MaxBudgetUSD float64
}

// DefaultMaxTurns applies when Limits.MaxTurns is zero.
const DefaultMaxTurns = 50

// loop states, for diagnostics only; transitions are implicit in Run.
const (
	stateIdle        = "idle"
	stateCompacting  = "compacting"
	stateRequesting  = "requesting"
	stateStreaming   = "streaming"
	stateDispatching = "dispatching"
	stateTerminal    = "terminal"
)

// Counters accumulate across one conversation.
type Counters struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	TurnCount    int
}

// Loop is the turn loop for one conversation. Single-owner: a Loop must
// not be shared across concurrent runs.
type Loop struct {
	Provider     providers.Provider
	Model        string
	SystemPrompt string
	Dispatcher   *tools.Dispatcher
	Detector     *loopdetect.Detector
	Context      *contextmgr.Manager
	Events       bus.Publisher
	Store        store.Store // optional; conversation saved after each run
	Conversation *store.Conversation
	Limits       Limits
	// MaxReplyTokens caps each assistant reply; zero uses the provider
	// default.
	MaxReplyTokens int

	Counters Counters
	state    string
}

// RunResult is the outcome of one user message.
type RunResult struct {
	Content string
	Outcome string // bus.Outcome* for non-error terminals
	Turns   int
	Usage   providers.Usage
	CostUSD float64
}

// Run processes one user message to a terminal state. Exactly one terminal
// event is emitted: a Done event carrying the outcome, or an Error event
// for budget overruns and fatal failures.
func (l *Loop) Run(ctx context.Context, userMessage string) (*RunResult, error) {
	tracer := otel.Tracer("whale/agent")
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()

	maxTurns := l.Limits.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if l.Dispatcher != nil {
		l.Dispatcher.UserPrompt = userMessage
	}

	l.maybeCompact(ctx)

	// The user message is committed before the first request; the
	// assistant reply is committed exactly once per turn at end-of-stream.
	l.Conversation.Messages = append(l.Conversation.Messages, providers.Message{
		Role: "user", Content: userMessage,
	})

	var totalUsage providers.Usage
	turnsThisRun := 0
	var finalContent string
	outcome := bus.OutcomeDone

	defer func() {
		l.state = stateTerminal
		l.save()
	}()

	for {
		if ctx.Err() != nil {
			return l.finishAborted(turnsThisRun, totalUsage)
		}
		if turnsThisRun >= maxTurns {
			outcome = bus.OutcomeTurnLimit
			finalContent = fmt.Sprintf("stopped after reaching the %d-turn limit", maxTurns)
			break
		}

		turnsThisRun++
		l.Counters.TurnCount++
		l.state = stateRequesting

		req := providers.ChatRequest{
			Messages:  l.buildMessages(),
			Tools:     l.Dispatcher.Registry.Defs(),
			Model:     l.Model,
			MaxTokens: l.MaxReplyTokens,
		}

		llmStart := time.Now()
		l.state = stateStreaming
		resp, err := l.Provider.Stream(ctx, req, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				l.emit(bus.Event{Type: bus.TypeText, Payload: bus.TextPayload{Text: chunk.Content}})
			}
			if chunk.Thinking != "" {
				l.emit(bus.Event{Type: bus.TypeText, Payload: bus.TextPayload{Text: chunk.Thinking, Thinking: true}})
			}
		})
		if err != nil {
			if errors.Is(err, providers.ErrCancelled) || ctx.Err() != nil {
				return l.finishAborted(turnsThisRun, totalUsage)
			}
			l.emit(bus.Event{Type: bus.TypeError, Payload: bus.ErrorPayload{
				Kind: "LLMFatal", Message: err.Error(),
			}})
			return nil, fmt.Errorf("%w: %v", ErrLLMFatal, err)
		}

		slog.Debug("turn complete", "turn", l.Counters.TurnCount,
			"tool_calls", len(resp.ToolCalls), "duration", time.Since(llmStart))

		// Usage accounting before anything else observes the reply.
		if resp.Usage != nil {
			totalUsage.Add(resp.Usage)
			l.Counters.InputTokens += int64(resp.Usage.PromptTokens)
			l.Counters.OutputTokens += int64(resp.Usage.CompletionTokens)
			cost := providers.EstimateCost(l.modelFor(resp), int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
			l.Counters.CostUSD += cost
			l.emit(bus.Event{Type: bus.TypeUsage, Payload: bus.UsagePayload{
				InputTokens:  int64(resp.Usage.PromptTokens),
				OutputTokens: int64(resp.Usage.CompletionTokens),
				CostUSD:      cost,
			}})
			l.Context.RecordActualUsage(resp.Usage.PromptTokens, len(req.Messages))
		}

		// Commit rule: the assistant message enters the conversation exactly
		// once, here, at end-of-stream.
		l.Conversation.Messages = append(l.Conversation.Messages, providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		})

		if l.Limits.MaxBudgetUSD > 0 && l.Counters.CostUSD > l.Limits.MaxBudgetUSD {
			span.SetAttributes(attribute.Float64("whale.cost_usd", l.Counters.CostUSD))
			l.emit(bus.Event{Type: bus.TypeError, Payload: bus.ErrorPayload{
				Kind: "BudgetExceeded",
				Message: fmt.Sprintf("cost $%.4f exceeded budget $%.4f",
					l.Counters.CostUSD, l.Limits.MaxBudgetUSD),
			}})
			return nil, fmt.Errorf("%w: $%.4f > $%.4f", ErrBudgetExceeded, l.Counters.CostUSD, l.Limits.MaxBudgetUSD)
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		l.state = stateDispatching
		results := l.Dispatcher.Dispatch(ctx, resp.ToolCalls)
		l.Conversation.Messages = append(l.Conversation.Messages, results...)
		for _, tc := range resp.ToolCalls {
			l.Conversation.RecordToolUse(tc.Name)
		}

		if ctx.Err() != nil {
			return l.finishAborted(turnsThisRun, totalUsage)
		}

		if verdict := l.Detector.EndTurn(); verdict.Bail {
			outcome = bus.OutcomeBailed
			finalContent = verdict.Reason
			break
		}
		l.Detector.ResetTurn()

		// Turn boundary: compaction is serialized here so a queued user
		// message can never interleave with a compact event.
		l.state = stateCompacting
		l.maybeCompact(ctx)
	}

	l.Conversation.InputTokens = l.Counters.InputTokens
	l.Conversation.OutputTokens = l.Counters.OutputTokens
	l.Conversation.CostUSD = l.Counters.CostUSD
	l.Conversation.TurnCount = l.Counters.TurnCount

	span.SetAttributes(
		attribute.Int("whale.turns", turnsThisRun),
		attribute.Float64("whale.cost_usd", l.Counters.CostUSD),
		attribute.String("whale.outcome", outcome),
	)

	l.emit(bus.Event{Type: bus.TypeDone, Payload: bus.DonePayload{
		Outcome:      outcome,
		InputTokens:  int64(totalUsage.PromptTokens),
		OutputTokens: int64(totalUsage.CompletionTokens),
		CostUSD:      l.Counters.CostUSD,
		Turns:        turnsThisRun,
	}})

	return &RunResult{
		Content: finalContent,
		Outcome: outcome,
		Turns:   turnsThisRun,
		Usage:   totalUsage,
		CostUSD: l.Counters.CostUSD,
	}, nil
}

func (l *Loop) finishAborted(turns int, usage providers.Usage) (*RunResult, error) {
	l.emit(bus.Event{Type: bus.TypeDone, Payload: bus.DonePayload{
		Outcome: bus.OutcomeAborted,
		Turns:   turns,
		CostUSD: l.Counters.CostUSD,
	}})
	return &RunResult{
		Outcome: bus.OutcomeAborted,
		Turns:   turns,
		Usage:   usage,
		CostUSD: l.Counters.CostUSD,
	}, nil
}

func (l *Loop) buildMessages() []providers.Message {
	msgs := make([]providers.Message, 0, len(l.Conversation.Messages)+1)
	if l.SystemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: l.SystemPrompt})
	}
	return append(msgs, l.Conversation.Messages...)
}

func (l *Loop) maybeCompact(ctx context.Context) {
	if l.Context == nil || !l.Context.NeedsCompaction(l.buildMessages()) {
		return
	}
	l.CompactNow(ctx)
}

// CompactNow forces a compaction, also reachable from the user's manual
// compact command.
func (l *Loop) CompactNow(ctx context.Context) {
	if l.Context == nil {
		return
	}
	compacted, stats, err := l.Context.Compact(ctx, l.Conversation.Messages)
	if err != nil {
		slog.Warn("compaction failed", "error", err)
		return
	}
	if stats == nil {
		return
	}
	l.Conversation.Messages = compacted
	l.emit(bus.Event{Type: bus.TypeCompact, Payload: bus.CompactPayload{
		BeforeCount: stats.BeforeCount,
		AfterCount:  stats.AfterCount,
		TokensSaved: stats.TokensSaved,
	}})
	slog.Info("context compacted", "before", stats.BeforeCount,
		"after", stats.AfterCount, "tokens_saved", stats.TokensSaved)
}

func (l *Loop) modelFor(resp *providers.ChatResponse) string {
	if resp.Model != "" {
		return resp.Model
	}
	if l.Model != "" {
		return l.Model
	}
	return l.Provider.DefaultModel()
}

func (l *Loop) emit(ev bus.Event) {
	if l.Events != nil {
		l.Events.Emit(ev)
	}
}

func (l *Loop) save() {
	if l.Store == nil {
		return
	}
	if err := l.Store.Save(l.Conversation); err != nil {
		slog.Warn("failed to persist conversation", "id", l.Conversation.ID, "error", err)
	}
}
