// Package hooks runs user-configured shell commands around tool execution.
// A pre-tool hook can veto the call; a post-tool hook observes the output.
// Hooks communicate through a fixed environment-variable contract and veto
// with exit code 77 or a "[blocked]" marker in their output.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Veto signals.
const (
	VetoExitCode = 77
	VetoMarker   = "[blocked]"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 10 * time.Second

// Event names passed via WHALE_EVENT.
const (
	EventPreTool  = "pre_tool"
	EventPostTool = "post_tool"
)

// Spec is one configured hook.
type Spec struct {
	Command string   `json:"command"`
	Tools   []string `json:"tools,omitempty"` // empty = all tools
}

func (s Spec) matches(tool string) bool {
	if len(s.Tools) == 0 {
		return true
	}
	for _, t := range s.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Invocation carries the values exported to the hook process.
type Invocation struct {
	Event      string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string // post-tool only
	FilePath   string // set when the tool targets a file
	UserPrompt string
	Cwd        string
}

// Decision is the outcome of running the hooks for one event.
type Decision struct {
	Blocked bool
	Reason  string
}

// Runner executes hook specs. Safe for concurrent use; the specs are fixed
// at construction, so a config reload does not change a running Runner.
type Runner struct {
	preTool  []Spec
	postTool []Spec
	timeout  time.Duration
}

func NewRunner(pre, post []Spec) *Runner {
	return &Runner{preTool: pre, postTool: post, timeout: DefaultTimeout}
}

// RunPre executes all matching pre-tool hooks in order. The first veto
// wins and remaining hooks are skipped.
func (r *Runner) RunPre(ctx context.Context, inv Invocation) Decision {
	inv.Event = EventPreTool
	for _, spec := range r.preTool {
		if !spec.matches(inv.ToolName) {
			continue
		}
		if d := r.runOne(ctx, spec, inv); d.Blocked {
			return d
		}
	}
	return Decision{}
}

// RunPost executes all matching post-tool hooks. Post hooks cannot undo the
// tool, so vetoes are logged and ignored.
func (r *Runner) RunPost(ctx context.Context, inv Invocation) {
	inv.Event = EventPostTool
	for _, spec := range r.postTool {
		if !spec.matches(inv.ToolName) {
			continue
		}
		if d := r.runOne(ctx, spec, inv); d.Blocked {
			slog.Warn("post-tool hook signalled block after execution",
				"tool", inv.ToolName, "command", spec.Command)
		}
	}
}

func (r *Runner) runOne(ctx context.Context, spec Spec, inv Invocation) Decision {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(hctx, "sh", "-c", spec.Command)
	cmd.Dir = inv.Cwd
	cmd.Env = append(os.Environ(), inv.environ()...)
	// A child of sh can outlive the killed shell and hold the output pipes
	// open; WaitDelay makes Run return shortly after the timeout anyway.
	cmd.WaitDelay = 500 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if stderr.Len() > 0 {
		slog.Debug("hook stderr", "tool", inv.ToolName, "stderr", strings.TrimSpace(stderr.String()))
	}

	out := stdout.String()
	if strings.Contains(out, VetoMarker) {
		return Decision{Blocked: true, Reason: blockReason(out, inv.ToolName)}
	}

	if err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			slog.Warn("hook timed out", "tool", inv.ToolName, "command", spec.Command, "timeout", r.timeout)
			return Decision{}
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == VetoExitCode {
			return Decision{Blocked: true, Reason: blockReason(out, inv.ToolName)}
		}
		// A failing hook must not break tool execution.
		slog.Warn("hook failed", "tool", inv.ToolName, "command", spec.Command, "error", err)
	}
	return Decision{}
}

func blockReason(output, tool string) string {
	out := strings.TrimSpace(strings.ReplaceAll(output, VetoMarker, ""))
	if out == "" {
		return fmt.Sprintf("call to %s blocked by a configured hook", tool)
	}
	return out
}

func (inv Invocation) environ() []string {
	inputJSON, _ := json.Marshal(inv.ToolInput)
	env := []string{
		"WHALE_EVENT=" + inv.Event,
		"WHALE_TOOL_NAME=" + inv.ToolName,
		"WHALE_TOOL_INPUT=" + string(inputJSON),
		"WHALE_CWD=" + inv.Cwd,
	}
	if inv.Event == EventPostTool {
		outputJSON, _ := json.Marshal(inv.ToolOutput)
		env = append(env, "WHALE_TOOL_OUTPUT="+string(outputJSON))
	}
	if inv.FilePath != "" {
		env = append(env, "WHALE_FILE_PATH="+inv.FilePath)
	}
	if inv.UserPrompt != "" {
		env = append(env, "WHALE_USER_PROMPT="+inv.UserPrompt)
	}
	return env
}
