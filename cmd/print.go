package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/whalelabs/whale/internal/agent"
	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/engine"
	"github.com/whalelabs/whale/internal/store"
	"github.com/whalelabs/whale/internal/tools"
)

// runPrint executes one prompt and exits: pure text, one JSON object on
// completion, or newline-delimited JSON per event.
func runPrint(ctx context.Context, prompt string) error {
	if prompt == "" {
		// Headless callers pipe the prompt on stdin.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(data)
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	eng, cfg, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	convID, resume, err := resolveConversation(eng)
	if err != nil {
		return err
	}

	events := bus.New()
	defer events.Destroy()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	printer := newPrinter(out, flagOutputFormat)
	events.Subscribe("print", printer.handle)

	var debugClose io.Closer
	if debug {
		if logger, closer, derr := store.OpenDebugLog(cfg.DataDir, orNew(convID)); derr == nil {
			debugClose = closer
			events.Subscribe("debug", func(ev bus.Event) {
				logger.Debug("event", "type", string(ev.Type), "agent", ev.AgentID)
			})
		}
	}
	if debugClose != nil {
		defer debugClose.Close()
	}

	// Print mode defaults to yolo: nobody is present to confirm writes.
	loop, err := eng.NewLoop(engine.LoopOptions{
		ConversationID: convID,
		Resume:         resume,
		Events:         events,
		Asker:          &tools.StaticAsker{Answer: "yes"},
		Mode:           tools.ModeYolo,
		Model:          flagModel,
	})
	if err != nil {
		return err
	}

	res, err := loop.Run(ctx, prompt)
	printer.finish(res, err, loop.Conversation.ID)
	return err
}

func orNew(id string) string {
	if id != "" {
		return id
	}
	return "print"
}

// printer renders bus events per output format.
type printer struct {
	w      *bufio.Writer
	format string
	enc    *json.Encoder
}

func newPrinter(w *bufio.Writer, format string) *printer {
	return &printer{w: w, format: format, enc: json.NewEncoder(w)}
}

func (p *printer) handle(ev bus.Event) {
	switch p.format {
	case "stream-json":
		p.streamJSON(ev)
	case "json":
		// Everything is batched into the final object.
	default:
		if tp, ok := ev.Payload.(bus.TextPayload); ok && !tp.Thinking && ev.AgentID == "" {
			p.w.WriteString(tp.Text)
			p.w.Flush()
		}
	}
}

func (p *printer) streamJSON(ev bus.Event) {
	rec := map[string]any{"type": string(ev.Type)}
	if ev.AgentID != "" {
		rec["agentId"] = ev.AgentID
	}
	switch pl := ev.Payload.(type) {
	case bus.TextPayload:
		if pl.Thinking {
			rec["thinking"] = pl.Text
		} else {
			rec["text"] = pl.Text
		}
	case bus.ToolStartPayload:
		rec["toolId"], rec["toolName"], rec["input"] = pl.ID, pl.Name, pl.Input
	case bus.ToolEndPayload:
		rec["toolId"], rec["toolName"], rec["ok"], rec["result"] = pl.ID, pl.Name, pl.OK, pl.Result
	case bus.UsagePayload:
		rec["inputTokens"], rec["outputTokens"], rec["costUsd"] = pl.InputTokens, pl.OutputTokens, pl.CostUSD
	case bus.CompactPayload:
		rec["beforeCount"], rec["afterCount"], rec["tokensSaved"] = pl.BeforeCount, pl.AfterCount, pl.TokensSaved
	case bus.DonePayload:
		rec["outcome"], rec["turns"], rec["costUsd"] = pl.Outcome, pl.Turns, pl.CostUSD
	case bus.ErrorPayload:
		rec["kind"], rec["error"] = pl.Kind, pl.Message
	case bus.SubagentPayload:
		rec["subagentId"], rec["state"], rec["kind"] = pl.ID, pl.State, pl.Kind
	case bus.TeamTaskPayload:
		rec["teammate"], rec["task"], rec["status"] = pl.Teammate, pl.Task, pl.Status
	case bus.TeamDonePayload:
		rec["tasksCompleted"], rec["tasksTotal"], rec["success"] = pl.TasksCompleted, pl.TasksTotal, pl.Success
	}
	p.enc.Encode(rec)
	p.w.Flush()
}

// finish writes the terminal output for text/json formats.
func (p *printer) finish(res *agent.RunResult, err error, conversationID string) {
	switch p.format {
	case "json":
		obj := map[string]any{"conversationId": conversationID}
		if err != nil {
			obj["error"] = err.Error()
		} else if res != nil {
			obj["result"] = res.Content
			obj["outcome"] = res.Outcome
			obj["turns"] = res.Turns
			obj["costUsd"] = res.CostUSD
			obj["usage"] = res.Usage
		}
		p.enc.Encode(obj)
	case "stream-json":
		// Terminal event already streamed.
	default:
		if res != nil && res.Content != "" {
			// Streaming already printed the text; ensure a trailing newline.
			p.w.WriteString("\n")
		}
	}
	p.w.Flush()
}
