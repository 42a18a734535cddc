package hooks

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook tests use sh")
	}
}

func TestPreHookAllows(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: "exit 0"}}, nil)
	d := r.RunPre(context.Background(), Invocation{ToolName: "read_file"})
	if d.Blocked {
		t.Fatalf("blocked: %s", d.Reason)
	}
}

func TestPreHookVetoByExitCode(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: "exit 77"}}, nil)
	d := r.RunPre(context.Background(), Invocation{ToolName: "exec"})
	if !d.Blocked {
		t.Fatal("exit 77 did not veto")
	}
	if d.Reason == "" {
		t.Error("veto without reason")
	}
}

func TestPreHookVetoByMarker(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: `echo "[blocked] writes to /etc are not allowed"`}}, nil)
	d := r.RunPre(context.Background(), Invocation{ToolName: "write_file"})
	if !d.Blocked {
		t.Fatal("[blocked] marker did not veto")
	}
	if d.Reason != "writes to /etc are not allowed" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestPreHookFailureIsNotVeto(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: "exit 1"}}, nil)
	if d := r.RunPre(context.Background(), Invocation{ToolName: "x"}); d.Blocked {
		t.Fatal("ordinary failure treated as veto")
	}
}

func TestHookEnvironmentContract(t *testing.T) {
	skipOnWindows(t)
	// The hook inspects its environment and vetoes only when the contract
	// variables arrive as expected.
	script := `[ "$WHALE_EVENT" = "pre_tool" ] && [ "$WHALE_TOOL_NAME" = "exec" ] && ` +
		`echo "$WHALE_TOOL_INPUT" | grep -q '"command":"ls"' && echo "[blocked] contract ok"`
	r := NewRunner([]Spec{{Command: script}}, nil)
	d := r.RunPre(context.Background(), Invocation{
		ToolName:  "exec",
		ToolInput: map[string]any{"command": "ls"},
		Cwd:       t.TempDir(),
	})
	if !d.Blocked || d.Reason != "contract ok" {
		t.Fatalf("environment contract not honoured: %+v", d)
	}
}

func TestToolFilter(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: "exit 77", Tools: []string{"exec"}}}, nil)
	if d := r.RunPre(context.Background(), Invocation{ToolName: "read_file"}); d.Blocked {
		t.Fatal("hook ran for unmatched tool")
	}
	if d := r.RunPre(context.Background(), Invocation{ToolName: "exec"}); !d.Blocked {
		t.Fatal("hook skipped for matched tool")
	}
}

func TestHookTimeoutDoesNotVeto(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner([]Spec{{Command: "sleep 30"}}, nil)
	r.timeout = 50 * time.Millisecond
	start := time.Now()
	d := r.RunPre(context.Background(), Invocation{ToolName: "x"})
	if d.Blocked {
		t.Fatal("timeout treated as veto")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
}
