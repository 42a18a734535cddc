package subagents

import (
	"context"
	"fmt"

	"github.com/whalelabs/whale/internal/tools"
)

// SpawnTool exposes spawn_subagent to the model.
type SpawnTool struct {
	Manager *Manager
}

func (t *SpawnTool) Name() string { return "spawn_subagent" }
func (t *SpawnTool) Description() string {
	return "Spawn an isolated sub-agent with a reduced tool set to work on a focused task; blocks until it finishes and returns its result"
}
func (t *SpawnTool) Category() tools.Category { return tools.CategorySubagent }
func (t *SpawnTool) ReadOnly() bool           { return true }
func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":        map[string]any{"type": "string", "description": "Sub-agent type, e.g. explore, plan, implement"},
			"description": map[string]any{"type": "string", "description": "Short label for progress display"},
			"input":       map[string]any{"type": "string", "description": "The task for the sub-agent"},
		},
		"required": []string{"type", "input"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	kind, _ := args["type"].(string)
	description, _ := args["description"].(string)
	input, _ := args["input"].(string)
	if kind == "" || input == "" {
		return tools.ErrorResult("type and input are required")
	}
	if description == "" {
		description = truncate(input, 60)
	}

	if t.Manager.Depth >= MaxDepth {
		return tools.ErrorResult(fmt.Sprintf("spawn depth limit reached (%d)", MaxDepth))
	}

	rec, err := t.Manager.runChild(ctx, kind, description, input)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}
	if rec.State == StateFailed {
		return tools.ErrorResult(fmt.Sprintf("sub-agent %s failed: %s", rec.ID, rec.Output))
	}
	return tools.NewResult(fmt.Sprintf(
		"Sub-agent %s (%s) finished in %dms using %d tokens.\n\n%s",
		rec.ID, kind, rec.DurationMs, rec.Tokens, rec.Output))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
