package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whalelabs/whale/internal/config"
	"github.com/whalelabs/whale/internal/engine"
	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/pkg/protocol"
)

// gatewayProvider streams a short text reply; prompts containing "HANG"
// block until the request context is cancelled.
type gatewayProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *gatewayProvider) Stream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	prompt := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(prompt, "HANG") {
		if onChunk != nil {
			onChunk(providers.StreamChunk{Content: "thinking..."})
		}
		<-ctx.Done()
		return nil, providers.ErrCancelled
	}
	if onChunk != nil {
		onChunk(providers.StreamChunk{Content: "hello from the gateway"})
	}
	return &providers.ChatResponse{
		Content:      "hello from the gateway",
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 4, CompletionTokens: 4, TotalTokens: 8},
	}, nil
}

func (p *gatewayProvider) DefaultModel() string { return "claude-sonnet-4-5" }
func (p *gatewayProvider) Name() string         { return "gw" }

func testServer(t *testing.T) (*websocket.Conn, func()) {
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

	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	eng.Provider = &gatewayProvider{}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, eng)
	addr, start, err := srv.StartTest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start()
	time.Sleep(20 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	return conn, func() {
		conn.Close()
		cancel()
		eng.Close(context.Background())
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, types ...string) (protocol.ServerFrame, []protocol.ServerFrame) {
	t.Helper()
	want := map[string]bool{}
	for _, ty := range types {
		want[ty] = true
	}
	var seen []protocol.ServerFrame
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		seen = append(seen, frame)
		if want[frame.Type] {
			return frame, seen
		}
	}
	t.Fatalf("never saw %v; got %d frames", types, len(seen))
	return protocol.ServerFrame{}, nil
}

func send(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
}

func TestQueryFlow(t *testing.T) {
	conn, cleanup := testServer(t)
	defer cleanup()

	ready := readFrame(t, conn)
	if ready.Type != protocol.MsgReady || len(ready.Tools) == 0 {
		t.Fatalf("first frame = %+v", ready)
	}

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgQuery, ID: "q1", Prompt: "hi"})

	frame, seen := readUntil(t, conn, protocol.MsgDone, protocol.MsgError)
	if frame.Type != protocol.MsgDone {
		t.Fatalf("terminal = %+v", frame)
	}
	if frame.Usage == nil || frame.Usage.Turns != 1 {
		t.Errorf("done usage = %+v", frame.Usage)
	}
	if frame.ConversationID == "" {
		t.Error("done without conversationId")
	}

	var order []string
	text := ""
	for _, f := range seen {
		order = append(order, f.Type)
		if f.Type == protocol.MsgText {
			text += f.Text
		}
	}
	if order[0] != protocol.MsgConversationCreated || order[1] != protocol.MsgStarted {
		t.Errorf("frame order = %v", order)
	}
	if text != "hello from the gateway" {
		t.Errorf("text = %q", text)
	}
}

func TestPingAndTools(t *testing.T) {
	conn, cleanup := testServer(t)
	defer cleanup()
	readFrame(t, conn) // ready

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgPing, ID: "p"})
	if f := readFrame(t, conn); f.Type != protocol.MsgPong || f.ID != "p" {
		t.Fatalf("pong = %+v", f)
	}

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgGetTools})
	f := readFrame(t, conn)
	if f.Type != protocol.MsgTools || len(f.Tools) == 0 {
		t.Fatalf("tools = %+v", f)
	}
	names := map[string]bool{}
	for _, ti := range f.Tools {
		names[ti.Name] = true
	}
	for _, want := range []string{"read_file", "exec", "spawn_subagent"} {
		if !names[want] {
			t.Errorf("tool %s missing from catalog", want)
		}
	}
}

func TestAbortStopsQuery(t *testing.T) {
	conn, cleanup := testServer(t)
	defer cleanup()
	readFrame(t, conn) // ready

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgQuery, ID: "q", Prompt: "HANG forever"})
	readUntil(t, conn, protocol.MsgText) // stream is live

	start := time.Now()
	send(t, conn, protocol.ClientFrame{Type: protocol.MsgAbort})

	frame, _ := readUntil(t, conn, protocol.MsgAborted, protocol.MsgDone, protocol.MsgError)
	if frame.Type != protocol.MsgAborted {
		t.Fatalf("terminal after abort = %+v", frame)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("abort took %v", d)
	}
}

func TestConversationLifecycle(t *testing.T) {
	conn, cleanup := testServer(t)
	defer cleanup()
	readFrame(t, conn) // ready

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgQuery, ID: "q1", Prompt: "first message"})
	done, _ := readUntil(t, conn, protocol.MsgDone)
	convID := done.ConversationID

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgGetConversations, ID: "g"})
	list, _ := readUntil(t, conn, protocol.MsgConversations)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != convID {
		t.Fatalf("conversations = %+v", list.Conversations)
	}
	if list.Conversations[0].Title != "first message" {
		t.Errorf("title = %q", list.Conversations[0].Title)
	}

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgLoadConversation, ID: "l", ConversationID: convID})
	loaded, _ := readUntil(t, conn, protocol.MsgConversationLoaded, protocol.MsgError)
	if loaded.Type != protocol.MsgConversationLoaded || loaded.ConversationID != convID {
		t.Fatalf("loaded = %+v", loaded)
	}

	send(t, conn, protocol.ClientFrame{Type: protocol.MsgNewConversation, ID: "n"})
	created, _ := readUntil(t, conn, protocol.MsgConversationCreated)
	if created.ConversationID == convID {
		t.Error("new conversation reused the old id")
	}
}

func TestUnknownMessageType(t *testing.T) {
	conn, cleanup := testServer(t)
	defer cleanup()
	readFrame(t, conn) // ready

	send(t, conn, protocol.ClientFrame{Type: "bogus", ID: "x"})
	f, _ := readUntil(t, conn, protocol.MsgError)
	if !strings.Contains(f.Error, "unknown message type") {
		t.Errorf("error = %q", f.Error)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dataDir := t.TempDir()
	cfg, _ := config.Load(filepath.Join(dataDir, "missing.json"))
	cfg.DataDir = dataDir
	cfg.LSP.Disabled = true
	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(cfg, eng)
	addr, start, err := srv.StartTest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start()
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Protocol != protocol.ProtocolVersion {
		t.Errorf("health = %+v", out)
	}
}
