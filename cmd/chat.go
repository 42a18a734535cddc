package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/whalelabs/whale/internal/agent"
	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/engine"
	"github.com/whalelabs/whale/internal/store"
	"github.com/whalelabs/whale/internal/tools"
)

func chatCmd() *cobra.Command {
	var attach string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session (default when run on a TTY)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if attach != "" {
				return runAttach(cmd.Context(), attach)
			}
			return runChat(cmd.Context(), strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&attach, "attach", "", "attach to a running gateway, e.g. ws://127.0.0.1:9557/ws")
	return cmd
}

// huhAsker renders permission and question prompts with huh forms.
type huhAsker struct{}

func (huhAsker) Ask(ctx context.Context, prompt string, options []string) (string, error) {
	if len(options) > 0 {
		choice := options[0]
		opts := make([]huh.Option[string], 0, len(options))
		for _, o := range options {
			opts = append(opts, huh.NewOption(o, o))
		}
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().Title(prompt).Options(opts...).Value(&choice),
		))
		if err := form.RunWithContext(ctx); err != nil {
			return "", err
		}
		return choice, nil
	}
	var answer string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(prompt).Value(&answer),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return answer, nil
}

// runChat is the local interactive transport.
func runChat(ctx context.Context, firstPrompt string) error {
	eng, _, cleanup, err := buildEngine(ctx)
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
	events.Subscribe("render", renderEvent)

	if debug {
		if logger, closer, derr := store.OpenDebugLog(eng.Cfg.DataDir, orDefault(convID, "chat")); derr == nil {
			defer closer.Close()
			events.Subscribe("debug", func(ev bus.Event) {
				logger.Debug("event", "type", string(ev.Type), "agent", ev.AgentID)
			})
		}
	}

	mode := tools.PermissionMode(eng.Cfg.Tools.PermissionMode)
	loop, err := eng.NewLoop(engine.LoopOptions{
		ConversationID: convID,
		Resume:         resume,
		Events:         events,
		Asker:          huhAsker{},
		Mode:           mode,
		Model:          flagModel,
	})
	if err != nil {
		return err
	}

	fmt.Printf("whale %s — %s (%s mode). /compact to compact, /exit to quit, ctrl-c cancels a turn.\n",
		engine.Version, loop.Model, mode)

	reader := bufio.NewReader(os.Stdin)
	for {
		prompt := firstPrompt
		firstPrompt = ""
		if prompt == "" {
			fmt.Print("\n> ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return nil // EOF ends the session
			}
			prompt = strings.TrimSpace(line)
		}
		switch prompt {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/compact":
			loop.CompactNow(ctx)
			continue
		}

		if err := runTurn(ctx, loop, prompt); err != nil {
			if errors.Is(err, agent.ErrBudgetExceeded) {
				return err
			}
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		}
	}
}

// runTurn executes one user message; ctrl-c cancels the turn, not the
// session.
func runTurn(ctx context.Context, loop *agent.Loop, prompt string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	intr := make(chan os.Signal, 1)
	signal.Notify(intr, os.Interrupt)
	defer signal.Stop(intr)
	go func() {
		select {
		case <-intr:
			fmt.Fprintln(os.Stderr, "\n(cancelling turn)")
			cancel()
		case <-turnCtx.Done():
		}
	}()

	_, err := loop.Run(turnCtx, prompt)
	return err
}

// renderEvent writes one bus event to the terminal.
func renderEvent(ev bus.Event) {
	indent := ""
	if ev.AgentID != "" {
		indent = "  │ "
	}
	switch pl := ev.Payload.(type) {
	case bus.TextPayload:
		if pl.Thinking || ev.AgentID != "" {
			return
		}
		fmt.Print(pl.Text)
	case bus.ToolStartPayload:
		fmt.Printf("\n%s⚙ %s %s\n", indent, pl.Name, previewInput(pl.Input))
	case bus.ToolEndPayload:
		mark := "✓"
		if !pl.OK {
			mark = "✗"
		}
		fmt.Printf("%s%s %s (%dms) %s\n", indent, mark, pl.Name, pl.DurationMs, preview(pl.Result, 80))
	case bus.CompactPayload:
		fmt.Printf("\n(compacted: %d → %d messages, ~%d tokens saved)\n",
			pl.BeforeCount, pl.AfterCount, pl.TokensSaved)
	case bus.SubagentPayload:
		if ev.Type == bus.TypeSubagentStart {
			fmt.Printf("\n%s◆ sub-agent %s: %s\n", indent, pl.Kind, pl.Description)
		} else if ev.Type == bus.TypeSubagentDone {
			fmt.Printf("%s◆ sub-agent %s %s (%dms)\n", indent, pl.Kind, pl.State, pl.DurationMs)
		}
	case bus.TeamTaskPayload:
		fmt.Printf("%s◇ [%s] %s — %s\n", indent, pl.Teammate, preview(pl.Task, 50), pl.Status)
	case bus.TeamDonePayload:
		fmt.Printf("%s◇ team done: %d/%d tasks\n", indent, pl.TasksCompleted, pl.TasksTotal)
	case bus.DonePayload:
		if pl.Outcome != bus.OutcomeDone {
			fmt.Printf("\n(%s)", pl.Outcome)
		}
		fmt.Printf("\n[%d turns, $%.4f]\n", pl.Turns, pl.CostUSD)
	case bus.ErrorPayload:
		fmt.Fprintf(os.Stderr, "\n%s: %s\n", pl.Kind, pl.Message)
	}
}

func preview(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, width, "…")
}

func previewInput(input map[string]any) string {
	var parts []string
	for k, v := range input {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return preview(strings.Join(parts, " "), 70)
}
