package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/tools"
)

// TeamTool exposes spawn_team: up to T teammates run concurrently, tasks
// distributed round-robin. A failing task never cancels its siblings.
type TeamTool struct {
	Manager *Manager
}

func (t *TeamTool) Name() string { return "spawn_team" }
func (t *TeamTool) Description() string {
	return "Run a team of concurrent sub-agents over a task list; tasks are distributed round-robin and a structured summary is returned"
}
func (t *TeamTool) Category() tools.Category { return tools.CategoryTeam }
func (t *TeamTool) ReadOnly() bool           { return true }
func (t *TeamTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"teammates": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Teammate roles, e.g. [\"explore\", \"plan\"]",
			},
			"tasks": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tasks to distribute round-robin across teammates",
			},
		},
		"required": []string{"teammates", "tasks"},
	}
}

// taskStatus is one row of the team summary.
type taskStatus struct {
	Task     string `json:"task"`
	Teammate string `json:"teammate"`
	Status   string `json:"status"` // "done" or "failed"
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Tokens   int64  `json:"tokens,omitempty"`
}

type teamSummary struct {
	TasksCompleted int          `json:"tasksCompleted"`
	TasksTotal     int          `json:"tasksTotal"`
	Success        bool         `json:"success"`
	TotalTokens    int64        `json:"totalTokens"`
	Tasks          []taskStatus `json:"tasks"`
}

func (t *TeamTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	teammates := stringSlice(args["teammates"])
	tasks := stringSlice(args["tasks"])
	if len(teammates) == 0 || len(tasks) == 0 {
		return tools.ErrorResult("teammates and tasks are required")
	}
	if max := t.Manager.teamSize(); len(teammates) > max {
		teammates = teammates[:max]
	}

	m := t.Manager
	m.emit(bus.Event{Type: bus.TypeTeamStart, Payload: bus.SubagentPayload{
		Kind: "team", Description: fmt.Sprintf("%d teammates, %d tasks", len(teammates), len(tasks)),
	}})

	// Round-robin assignment; each teammate works its queue sequentially,
	// teammates run concurrently.
	queues := make([][]int, len(teammates))
	for i := range tasks {
		w := i % len(teammates)
		queues[w] = append(queues[w], i)
	}

	statuses := make([]taskStatus, len(tasks))
	var wg sync.WaitGroup
	for w, queue := range queues {
		wg.Add(1)
		go func(teammate string, queue []int) {
			defer wg.Done()
			for _, taskIdx := range queue {
				task := tasks[taskIdx]
				m.emit(bus.Event{Type: bus.TypeTeamProgress, Payload: bus.TeamTaskPayload{
					Teammate: teammate, Task: task, Status: "running",
				}})

				rec, err := m.runChild(ctx, teammate, truncate(task, 60), task)
				st := taskStatus{Task: task, Teammate: teammate}
				switch {
				case err != nil:
					st.Status = "failed"
					st.Error = err.Error()
				case rec.State == StateFailed:
					st.Status = "failed"
					st.Error = rec.Output
					st.Tokens = rec.Tokens
				default:
					st.Status = "done"
					st.Output = rec.Output
					st.Tokens = rec.Tokens
				}
				statuses[taskIdx] = st

				m.emit(bus.Event{Type: bus.TypeTeamTask, Payload: bus.TeamTaskPayload{
					Teammate: teammate, Task: task, Status: st.Status, Output: st.Output,
				}})
			}
		}(teammates[w], queue)
	}
	wg.Wait()

	summary := teamSummary{TasksTotal: len(tasks), Success: true, Tasks: statuses}
	for _, st := range statuses {
		if st.Status == "done" {
			summary.TasksCompleted++
		} else {
			summary.Success = false
		}
		summary.TotalTokens += st.Tokens
	}

	m.emit(bus.Event{Type: bus.TypeTeamDone, Payload: bus.TeamDonePayload{
		TasksCompleted: summary.TasksCompleted,
		TasksTotal:     summary.TasksTotal,
		Success:        summary.Success,
	}})

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("marshal team summary: %v", err))
	}
	if !summary.Success {
		// Failed tasks are reported in the summary, not as a tool error:
		// the model decides how to react.
		return tools.NewResult(string(out))
	}
	return tools.NewResult(string(out))
}

func (m *Manager) teamSize() int {
	if m.TeamSize > 0 {
		return m.TeamSize
	}
	return DefaultTeamSize
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range raw {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
