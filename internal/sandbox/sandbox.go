// Package sandbox confines shell-tool writes on macOS via sandbox-exec
// profiles. The profile denies all writes, then re-allows the working
// directory, the temp dirs, the app data dir, /dev, and the platform
// ephemeral folder. Reads and network stay unrestricted. On other
// platforms commands pass through unchanged.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Sandbox builds sandboxed exec.Cmd values for shell commands.
type Sandbox struct {
	dataDir string // app data dir, e.g. ~/.whale (always write-allowed)
	goos    string // overridable for tests
}

func New(dataDir string) *Sandbox {
	return &Sandbox{dataDir: dataDir, goos: runtime.GOOS}
}

// Command returns an exec.Cmd running shellCmd under `sh -c`, write-confined
// on macOS. cleanup removes the temporary profile and must be called after
// the command finishes.
func (s *Sandbox) Command(ctx context.Context, shellCmd, cwd string) (cmd *exec.Cmd, cleanup func(), err error) {
	if s.goos != "darwin" {
		cmd = exec.CommandContext(ctx, "sh", "-c", shellCmd)
		cmd.Dir = cwd
		return cmd, func() {}, nil
	}

	profile := s.Profile(cwd)
	dir := filepath.Join(s.dataDir, "sandbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("sandbox: create profile dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "profile-*.sb")
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: create profile: %w", err)
	}
	if _, err := f.WriteString(profile); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, fmt.Errorf("sandbox: write profile: %w", err)
	}
	f.Close()

	cmd = exec.CommandContext(ctx, "sandbox-exec", "-f", f.Name(), "sh", "-c", shellCmd)
	cmd.Dir = cwd
	return cmd, func() { os.Remove(f.Name()) }, nil
}

// Profile renders the sandbox profile for one working directory.
func (s *Sandbox) Profile(cwd string) string {
	allowed := []string{
		cwd,
		os.TempDir(),
		"/tmp",
		"/private/tmp",
		s.dataDir,
		"/dev",
		"/private/var/folders",
	}

	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(allow default)\n")
	b.WriteString("(deny file-write*)\n")
	b.WriteString("(allow file-write*\n")
	seen := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		fmt.Fprintf(&b, "  (subpath %q)\n", p)
	}
	b.WriteString(")\n")
	return b.String()
}
