package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/whalelabs/whale/internal/bus"
	"github.com/whalelabs/whale/internal/engine"
	"github.com/whalelabs/whale/internal/tools"
	"github.com/whalelabs/whale/pkg/protocol"
)

const sendQueueSize = 256

// Client is one websocket connection with its session state.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan protocol.ServerFrame

	limiter *rate.Limiter

	mu             sync.Mutex
	conversationID string
	activeCancel   context.CancelFunc
	running        bool

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	var limiter *rate.Limiter
	if rpm := s.cfg.Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		send:    make(chan protocol.ServerFrame, sendQueueSize),
		limiter: limiter,
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.abort()
		close(c.send)
		c.conn.Close()
	})
}

func (c *Client) run(ctx context.Context) {
	go c.writePump()

	c.enqueue(protocol.ServerFrame{
		Type:    protocol.MsgReady,
		Version: engine.Version,
		Tools:   c.toolInfos(),
	})

	idle := c.server.cfg.IdleTimeout()
	for {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read error", "id", c.id, "error", err)
			}
			return
		}
		c.handle(ctx, frame)
	}
}

func (c *Client) writePump() {
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			slog.Debug("client write error", "id", c.id, "error", err)
			return
		}
	}
}

func (c *Client) enqueue(frame protocol.ServerFrame) {
	defer func() { recover() }() // send on closed channel during teardown
	select {
	case c.send <- frame:
	default:
		// Backpressure: drop text frames, never structural ones.
		if frame.Type == protocol.MsgText {
			return
		}
		c.send <- frame
	}
}

func (c *Client) handle(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.MsgPing:
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgPong, ID: frame.ID})

	case protocol.MsgGetTools:
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgTools, ID: frame.ID, Tools: c.toolInfos()})

	case protocol.MsgNewConversation:
		c.abort()
		id := uuid.NewString()
		c.mu.Lock()
		c.conversationID = id
		c.mu.Unlock()
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgConversationCreated, ID: frame.ID, ConversationID: id})

	case protocol.MsgLoadConversation:
		c.loadConversation(frame)

	case protocol.MsgGetConversations:
		infos, err := c.server.engine.Store.List()
		if err != nil {
			c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: err.Error()})
			return
		}
		list := make([]protocol.ConversationInfo, 0, len(infos))
		for _, info := range infos {
			list = append(list, protocol.ConversationInfo{
				ID:           info.ID,
				Title:        info.Title,
				MessageCount: info.MessageCount,
				CreatedAt:    info.Created.UnixMilli(),
				UpdatedAt:    info.Updated.UnixMilli(),
			})
		}
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgConversations, ID: frame.ID, Conversations: list})

	case protocol.MsgAbort:
		c.abort()

	case protocol.MsgQuery:
		c.query(ctx, frame)

	default:
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID,
			Error: "unknown message type: " + frame.Type})
	}
}

func (c *Client) loadConversation(frame protocol.ClientFrame) {
	if frame.ConversationID == "" {
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: "conversationId required"})
		return
	}
	conv, err := c.server.engine.Store.Load(frame.ConversationID)
	if err != nil {
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: err.Error()})
		return
	}
	c.abort()
	c.mu.Lock()
	c.conversationID = conv.ID
	c.mu.Unlock()
	c.enqueue(protocol.ServerFrame{Type: protocol.MsgConversationLoaded, ID: frame.ID, ConversationID: conv.ID})
}

func (c *Client) query(ctx context.Context, frame protocol.ClientFrame) {
	if frame.Prompt == "" {
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: "prompt required"})
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: "rate limit exceeded"})
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: "a query is already running"})
		return
	}

	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = c.conversationID
	}
	created := false
	resume := conversationID != ""
	if conversationID == "" {
		conversationID = uuid.NewString()
		created = true
	}
	c.conversationID = conversationID

	runCtx, cancel := context.WithCancel(context.Background())
	c.activeCancel = cancel
	c.running = true
	c.mu.Unlock()

	events := bus.New()
	events.Subscribe(c.id, func(ev bus.Event) { c.forward(frame.ID, ev) })

	// Serve mode defaults to yolo: there is no interactive prompt channel.
	loop, err := c.server.engine.NewLoop(engine.LoopOptions{
		ConversationID: conversationID,
		Resume:         resume && c.conversationExists(conversationID),
		Events:         events,
		Mode:           tools.ModeYolo,
	})
	if err != nil {
		events.Destroy()
		c.finishRun()
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: frame.ID, Error: err.Error()})
		return
	}

	if created {
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgConversationCreated, ID: frame.ID, ConversationID: conversationID})
	}
	c.enqueue(protocol.ServerFrame{
		Type: protocol.MsgStarted, ID: frame.ID,
		Model: loop.Model, ConversationID: conversationID,
	})

	go func() {
		defer events.Destroy()
		defer c.finishRun()
		_, err := loop.Run(runCtx, frame.Prompt)
		if err != nil && !errors.Is(err, context.Canceled) {
			// Error frames are emitted through the bus by the loop; budget
			// and fatal errors already reached the client.
			slog.Debug("query run ended with error", "id", c.id, "error", err)
		}
	}()
}

func (c *Client) conversationExists(id string) bool {
	_, err := c.server.engine.Store.Load(id)
	return err == nil
}

// forward maps a bus event to a wire frame.
func (c *Client) forward(requestID string, ev bus.Event) {
	switch pl := ev.Payload.(type) {
	case bus.TextPayload:
		if pl.Thinking {
			return
		}
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgText, ID: requestID, Text: pl.Text})
	case bus.ToolStartPayload:
		c.enqueue(protocol.ServerFrame{
			Type: protocol.MsgToolStart, ID: requestID,
			ToolID: pl.ID, ToolName: pl.Name, ToolInput: pl.Input,
		})
	case bus.ToolEndPayload:
		c.enqueue(protocol.ServerFrame{
			Type: protocol.MsgToolResult, ID: requestID,
			ToolID: pl.ID, ToolName: pl.Name, IsError: !pl.OK,
			Result: tools.Truncate(pl.Result, protocol.MaxToolResultBytes), Duration: pl.DurationMs,
		})
	case bus.DonePayload:
		frame := protocol.ServerFrame{
			ID:             requestID,
			ConversationID: c.currentConversation(),
			Usage: &protocol.UsageInfo{
				InputTokens:  pl.InputTokens,
				OutputTokens: pl.OutputTokens,
				CostUSD:      pl.CostUSD,
				Turns:        pl.Turns,
			},
		}
		if pl.Outcome == bus.OutcomeAborted {
			frame.Type = protocol.MsgAborted
		} else {
			frame.Type = protocol.MsgDone
			if pl.Outcome != bus.OutcomeDone {
				frame.Error = pl.Outcome
			}
		}
		c.enqueue(frame)
	case bus.ErrorPayload:
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgError, ID: requestID,
			Error: pl.Kind + ": " + pl.Message})
	case bus.CompactPayload, bus.SubagentPayload, bus.TeamTaskPayload, bus.TeamDonePayload:
		c.enqueue(protocol.ServerFrame{Type: protocol.MsgDebug, ID: requestID, ToolInput: pl})
	}
}

func (c *Client) currentConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Client) abort() {
	c.mu.Lock()
	cancel := c.activeCancel
	c.activeCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) finishRun() {
	c.mu.Lock()
	c.running = false
	c.activeCancel = nil
	c.mu.Unlock()
}

func (c *Client) toolInfos() []protocol.ToolInfo {
	reg := c.server.engine.ToolCatalog()
	infos := make([]protocol.ToolInfo, 0, len(reg))
	for _, t := range reg {
		info := protocol.ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Category:    string(t.Category()),
			ReadOnly:    t.ReadOnly(),
			Parameters:  t.Parameters(),
		}
		if sc, ok := t.(tools.StoreContextual); ok {
			info.RequiresStore = sc.RequiresStoreContext()
		}
		infos = append(infos, info)
	}
	return infos
}
