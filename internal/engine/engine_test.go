package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/config"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/internal/store"
	"github.com/whalelabs/whale/internal/tools"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dataDir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dataDir, "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = dataDir
	cfg.Agent.Workspace = t.TempDir()
	cfg.LSP.Disabled = true

	eng, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

func TestNewLoopRegistersCoreTools(t *testing.T) {
	eng := testEngine(t)
	loop, err := eng.NewLoop(LoopOptions{Events: bus.New(), Asker: &tools.StaticAsker{Answer: "yes"}})
	if err != nil {
		t.Fatal(err)
	}
	names := loop.Dispatcher.Registry.Names()
	want := []string{"ask_user", "edit_file", "exec", "fetch", "list_directory",
		"read_file", "search_files", "spawn_subagent", "spawn_team", "write_file"}
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("tool %s not registered (have %v)", w, names)
		}
	}
}

func TestAllowDenyListsFilterRegistry(t *testing.T) {
	eng := testEngine(t)
	eng.Cfg.Tools.Disallowed = []string{"exec"}
	loop, err := eng.NewLoop(LoopOptions{Events: bus.New()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loop.Dispatcher.Registry.Get("exec"); ok {
		t.Error("disallowed tool still registered")
	}

	eng.Cfg.Tools.Disallowed = nil
	eng.Cfg.Tools.Allowed = []string{"read_file"}
	loop, err = eng.NewLoop(LoopOptions{Events: bus.New()})
	if err != nil {
		t.Fatal(err)
	}
	// Scheduling tools register before filtering, so the allow list
	// restricts the whole surface, spawn tools included.
	if _, ok := loop.Dispatcher.Registry.Get("write_file"); ok {
		t.Error("allow list did not restrict the registry")
	}
	if _, ok := loop.Dispatcher.Registry.Get("read_file"); !ok {
		t.Error("allowed tool missing")
	}
}

func TestNewLoopResume(t *testing.T) {
	eng := testEngine(t)
	conv := &store.Conversation{
		ID: "resume-me",
		Messages: []providers.Message{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
	if err := eng.Store.Save(conv); err != nil {
		t.Fatal(err)
	}

	loop, err := eng.NewLoop(LoopOptions{ConversationID: "resume-me", Resume: true, Events: bus.New()})
	if err != nil {
		t.Fatal(err)
	}
	if len(loop.Conversation.Messages) != 2 {
		t.Errorf("resumed messages = %d", len(loop.Conversation.Messages))
	}

	if _, err := eng.NewLoop(LoopOptions{ConversationID: "nope", Resume: true, Events: bus.New()}); err == nil {
		t.Error("resuming a missing conversation must fail")
	}
}

func TestMCPToolsRegistered(t *testing.T) {
	eng := testEngine(t)
	eng.Cfg.MCP.Servers = map[string]config.MCPServer{
		"search": {URL: "http://127.0.0.1:1/invoke", Tools: []config.MCPToolEntry{
			{Name: "web", Description: "search the web"},
		}},
	}
	loop, err := eng.NewLoop(LoopOptions{Events: bus.New()})
	if err != nil {
		t.Fatal(err)
	}
	tool, ok := loop.Dispatcher.Registry.Get("mcp_search_web")
	if !ok {
		t.Fatal("mcp tool not registered")
	}
	if tool.Category() != tools.CategoryServer {
		t.Errorf("mcp tool category = %s", tool.Category())
	}
}

func TestEffortTokens(t *testing.T) {
	cases := map[string]int{"low": 4096, "medium": 8192, "high": 16384, "": 0, "bogus": 0}
	for effort, want := range cases {
		if got := effortTokens(effort); got != want {
			t.Errorf("effortTokens(%q) = %d, want %d", effort, got, want)
		}
	}
}
