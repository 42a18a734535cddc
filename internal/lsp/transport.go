package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RequestTimeout bounds every outbound request.
const RequestTimeout = 30 * time.Second

// ErrTimeout is returned when a server does not answer within the
// per-request timeout; the server itself stays up.
var ErrTimeout = errors.New("lsp request timed out")

// ErrConnClosed is returned for requests issued after the transport died.
var ErrConnClosed = errors.New("lsp connection closed")

// Conn is one Content-Length framed JSON-RPC connection. Server-initiated
// requests are answered permissively so the server never stalls waiting on
// the client.
type Conn struct {
	w    io.Writer
	wmu  sync.Mutex
	r    *bufio.Reader
	lang string // for log attribution

	pending   map[int64]chan *jsonrpcMessage
	pendingMu sync.Mutex
	nextID    atomic.Int64

	closed  atomic.Bool
	done    chan struct{}
	timeout time.Duration
}

func NewConn(r io.Reader, w io.Writer, lang string) *Conn {
	c := &Conn{
		w:       w,
		r:       bufio.NewReader(r),
		lang:    lang,
		pending: make(map[int64]chan *jsonrpcMessage),
		done:    make(chan struct{}),
		timeout: RequestTimeout,
	}
	go c.readLoop()
	return c
}

// Closed reports whether the read loop has ended (server died or Close).
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close tears the transport down and rejects all pending requests.
func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.failPending(ErrConnClosed)
	}
}

// Call sends a request and waits for its response, the per-request
// timeout, or ctx cancellation — whichever comes first. An abort rejects
// only this pending entry; the server is untouched.
func (c *Conn) Call(ctx context.Context, method string, params any, out any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	id := c.nextID.Add(1)
	idRaw := json.RawMessage(strconv.FormatInt(id, 10))

	msg := jsonrpcMessage{JSONRPC: "2.0", ID: &idRaw, Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = p
	}

	respCh := make(chan *jsonrpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return ErrConnClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("lsp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-time.After(c.timeout):
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	msg := jsonrpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = p
	}
	return c.write(msg)
}

func (c *Conn) write(msg jsonrpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = c.w.Write(data)
	return err
}

func (c *Conn) readLoop() {
	defer func() {
		c.closed.Store(true)
		c.failPending(ErrConnClosed)
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := c.readFrame()
		if err != nil {
			if err != io.EOF && !c.closed.Load() {
				slog.Debug("lsp read loop ended", "lang", c.lang, "error", err)
			}
			return
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("lsp: undecodable frame", "lang", c.lang, "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method != "":
			// Server-initiated request: answer permissively.
			c.answerServerRequest(&msg)
		case msg.ID != nil:
			c.dispatchResponse(&msg)
		default:
			// Notification (diagnostics, progress, logs): ignored.
		}
	}
}

func (c *Conn) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				contentLength, err = strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return nil, fmt.Errorf("bad Content-Length: %w", err)
				}
			}
		}
	}
	if contentLength < 0 {
		return nil, errors.New("frame missing Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// answerServerRequest returns an empty-but-valid result so the server does
// not stall: configuration gets a null section per requested item,
// everything else gets null.
func (c *Conn) answerServerRequest(msg *jsonrpcMessage) {
	var result any
	switch msg.Method {
	case "workspace/configuration":
		var params struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		sections := make([]any, len(params.Items))
		result = sections
	case "window/workDoneProgress/create", "client/registerCapability",
		"client/unregisterCapability", "window/showMessageRequest",
		"workspace/applyEdit":
		result = nil
	default:
		result = nil
	}

	resultJSON, _ := json.Marshal(result)
	resp := jsonrpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: resultJSON}
	if err := c.write(resp); err != nil {
		slog.Debug("lsp: failed to answer server request", "method", msg.Method, "error", err)
	}
}

func (c *Conn) dispatchResponse(msg *jsonrpcMessage) {
	var id int64
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		slog.Warn("lsp: non-numeric response id", "id", string(*msg.ID))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
