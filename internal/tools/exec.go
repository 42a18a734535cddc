package tools

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/whalelabs/whale/internal/sandbox"
)

// Catastrophic command patterns denied regardless of sandboxing. The
// sandbox confines writes; this screen catches destruction and privilege
// escalation that a write-confined process could still attempt.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b\s+/(\s|$)`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
}

// DefaultExecTimeout bounds a shell command unless configured otherwise.
const DefaultExecTimeout = 60 * time.Second

// ExecTool executes shell commands inside the platform write sandbox.
type ExecTool struct {
	Workspace string
	Restrict  bool
	Timeout   time.Duration
	Sandbox   *sandbox.Sandbox

	denyPatterns []*regexp.Regexp
}

func NewExecTool(workspace string, restrict bool, sb *sandbox.Sandbox) *ExecTool {
	return &ExecTool{
		Workspace:    workspace,
		Restrict:     restrict,
		Timeout:      DefaultExecTimeout,
		Sandbox:      sb,
		denyPatterns: defaultDenyPatterns,
	}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Category() Category  { return CategoryLocal }
func (t *ExecTool) ReadOnly() bool      { return false }
func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to execute"},
			"working_dir": map[string]any{
				"type": "string", "description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	cwd := t.Workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.Workspace, t.Restrict)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, cleanup, err := t.Sandbox.Command(ctx, command, cwd)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sandbox: %v", err))
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var out string
	if stdout.Len() > 0 {
		out = stdout.String()
	}
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr.String()
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
		}
		if out == "" {
			out = runErr.Error()
		}
		return ErrorResult(out)
	}
	if out == "" {
		out = "(command completed with no output)"
	}
	return SilentResult(out)
}
