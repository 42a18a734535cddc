package lsp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// fileState tracks one opened document.
type fileState struct {
	version int
	hash    string
	mtimeMs int64
}

// Server owns one language-server process for a (language, workspaceRoot)
// pair.
type Server struct {
	Lang string
	Root string

	cmd  *exec.Cmd
	conn *Conn

	mu             sync.Mutex
	openFiles      map[string]*fileState
	projectIndexed bool
}

// shutdownGrace is how long a server gets to exit cleanly before the
// process is killed.
const shutdownGrace = 2 * time.Second

func startServer(ctx context.Context, lang, root, binary string, args []string) (*Server, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	slog.Info("language server started", "lang", lang, "binary", binary, "root", root, "pid", cmd.Process.Pid)

	if stderr != nil {
		go logStderr(lang, stderr)
	}

	s := &Server{
		Lang:      lang,
		Root:      root,
		cmd:       cmd,
		conn:      NewConn(stdout, stdin, lang),
		openFiles: make(map[string]*fileState),
	}
	if err := s.initialize(ctx); err != nil {
		s.Kill()
		return nil, err
	}
	return s, nil
}

// newServerForTest wires a Server over an existing transport.
func newServerForTest(lang, root string, conn *Conn) *Server {
	return &Server{Lang: lang, Root: root, conn: conn, openFiles: make(map[string]*fileState)}
}

func (s *Server) initialize(ctx context.Context) error {
	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   fileURI(s.Root),
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover":          map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"definition":     map[string]any{},
				"references":     map[string]any{},
				"implementation": map[string]any{},
				"documentSymbol": map[string]any{"hierarchicalDocumentSymbolSupport": true},
				"callHierarchy":  map[string]any{},
				"synchronization": map[string]any{"didSave": false},
			},
			"workspace": map[string]any{
				"symbol":        map[string]any{},
				"configuration": true,
			},
		},
		"workspaceFolders": []map[string]any{
			{"uri": fileURI(s.Root), "name": "workspace"},
		},
	}
	if err := s.conn.Call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return s.conn.Notify("initialized", map[string]any{})
}

// Alive reports whether the transport is still usable.
func (s *Server) Alive() bool {
	return s.conn != nil && !s.conn.Closed()
}

// EnsureSynced opens or refreshes a file before a query. First-ever open on
// this server additionally probes workspace/symbol to force whole-project
// indexing.
func (s *Server) EnsureSynced(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mtimeMs := info.ModTime().UnixMilli()

	s.mu.Lock()
	state, opened := s.openFiles[path]
	if opened && state.mtimeMs == mtimeMs {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	hash := contentHash(data)

	s.mu.Lock()
	if opened && state.hash == hash {
		// Touched but unchanged: just refresh the cached mtime.
		state.mtimeMs = mtimeMs
		s.mu.Unlock()
		return nil
	}
	var firstOpen bool
	if !opened {
		state = &fileState{version: 1, hash: hash, mtimeMs: mtimeMs}
		s.openFiles[path] = state
		firstOpen = !s.projectIndexed
	} else {
		state.version++
		state.hash = hash
		state.mtimeMs = mtimeMs
	}
	version := state.version
	s.mu.Unlock()

	uri := fileURI(path)
	if version == 1 {
		if err := s.conn.Notify("textDocument/didOpen", map[string]any{
			"textDocument": textDocumentItem{URI: uri, LanguageID: s.Lang, Version: 1, Text: string(data)},
		}); err != nil {
			return err
		}
	} else {
		if err := s.conn.Notify("textDocument/didChange", map[string]any{
			"textDocument":   versionedTextDocumentIdentifier{URI: uri, Version: version},
			"contentChanges": []map[string]any{{"text": string(data)}},
		}); err != nil {
			return err
		}
	}

	// documentSymbol forces the server to parse before we query; the
	// response content is irrelevant.
	if err := s.conn.Call(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": textDocumentIdentifier{URI: uri},
	}, nil); err != nil {
		return fmt.Errorf("parse probe: %w", err)
	}

	if firstOpen {
		if err := s.conn.Call(ctx, "workspace/symbol", map[string]any{"query": ""}, nil); err != nil {
			slog.Debug("workspace index probe failed", "lang", s.Lang, "error", err)
		}
		s.mu.Lock()
		s.projectIndexed = true
		s.mu.Unlock()
	}
	return nil
}

// Invalidate drops the cached mtime so the next query re-syncs the file.
// Called when local tools edit a file behind the server's back.
func (s *Server) Invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.openFiles[path]; ok {
		state.mtimeMs = -1
	}
}

// Shutdown asks the server to exit cleanly and kills it after the grace
// period.
func (s *Server) Shutdown(ctx context.Context) {
	if s.conn == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	_ = s.conn.Call(sctx, "shutdown", nil, nil)
	_ = s.conn.Notify("exit", nil)
	s.conn.Close()

	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("language server did not exit, killing", "lang", s.Lang, "pid", s.cmd.Process.Pid)
		s.cmd.Process.Kill()
	}
}

// Kill terminates the process without ceremony.
func (s *Server) Kill() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func logStderr(lang string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			slog.Debug("language server stderr", "lang", lang, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func fileURI(path string) string {
	return "file://" + path
}
