package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func sseBody(events ...[2]string) string {
	var out string
	for _, ev := range events {
		out += fmt.Sprintf("event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
	return out
}

func textReplyBody() string {
	return sseBody(
		[2]string{"message_start", `{"message":{"usage":{"input_tokens":3}}}`},
		[2]string{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"delta":{"type":"text_delta","text":"hello"}}`},
		[2]string{"content_block_delta", `{"delta":{"type":"text_delta","text":"\n"}}`},
		[2]string{"content_block_stop", `{}`},
		[2]string{"message_delta", `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`},
		[2]string{"message_stop", `{}`},
	)
}

func newTestProvider(url string, opts ...AnthropicOption) *AnthropicProvider {
	base := []AnthropicOption{
		WithAnthropicBaseURL(url),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}),
	}
	return NewAnthropicProvider("test-key", append(base, opts...)...)
}

func TestStreamTextReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textReplyBody())
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	var chunks []string
	resp, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Content != "hello\n" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestStreamToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			[2]string{"message_start", `{"message":{"usage":{"input_tokens":10}}}`},
			[2]string{"content_block_start", `{"index":0,"content_block":{"type":"tool_use","id":"a","name":"read_file"}}`},
			[2]string{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`},
			[2]string{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"\"/x\"}"}}`},
			[2]string{"content_block_stop", `{}`},
			[2]string{"message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`},
			[2]string{"message_stop", `{}`},
		))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	var started []string
	resp, err := p.Stream(context.Background(), ChatRequest{}, func(c StreamChunk) {
		if c.ToolCallStart != nil {
			started = append(started, c.ToolCallStart.Name)
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["path"]; got != "/x" {
		t.Errorf("arguments not assembled from deltas: %v", resp.ToolCalls[0].Arguments)
	}
	if len(started) != 1 || started[0] != "read_file" {
		t.Errorf("tool_call_start chunks = %v", started)
	}
	if resp.RawAssistantContent == nil {
		t.Error("raw assistant content not preserved for passback")
	}
}

func TestStreamRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, textReplyBody())
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Stream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Stream after retries: %v", err)
	}
	if resp.Content != "hello\n" {
		t.Errorf("content = %q", resp.Content)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
}

func TestStreamGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Stream(context.Background(), ChatRequest{}, nil)
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v, want HTTPError 500", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
}

func TestOverloadSwitchesToFallbackModel(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = jsonDecode(r, &body)
		models = append(models, body.Model)
		if body.Model != "backup-model" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, textReplyBody())
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL, WithAnthropicModel("primary-model"), WithFallbackModel("backup-model"))
	resp, err := p.Stream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Model != "backup-model" {
		t.Errorf("served model = %q", resp.Model)
	}
	if !p.OnFallback() {
		t.Error("fallback switch not sticky")
	}

	// Next request goes straight to the fallback.
	models = models[:0]
	if _, err := p.Stream(context.Background(), ChatRequest{}, nil); err != nil {
		t.Fatalf("second Stream: %v", err)
	}
	for _, m := range models {
		if m != "backup-model" {
			t.Errorf("request after switch used %q", m)
		}
	}
}

func TestCancellationClosesStreamPromptly(t *testing.T) {
	firstDelta := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprint(w, sseBody(
			[2]string{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
			[2]string{"content_block_delta", `{"delta":{"type":"text_delta","text":"partial"}}`},
		))
		fl.Flush()
		close(firstDelta)
		<-r.Context().Done() // hold the stream open until the client aborts
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProvider(srv.URL)

	done := make(chan error, 1)
	go func() {
		_, err := p.Stream(ctx, ChatRequest{}, func(StreamChunk) {})
		done <- err
	}()

	<-firstDelta
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
		if d := time.Since(start); d > 100*time.Millisecond {
			t.Errorf("abort took %v, want <100ms", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestEstimateCost(t *testing.T) {
	if c := EstimateCost("claude-sonnet-4-5", 1_000_000, 0); c != 3.0 {
		t.Errorf("sonnet input cost = %v", c)
	}
	if c := EstimateCost("claude-opus-4", 0, 1_000_000); c != 75.0 {
		t.Errorf("opus output cost = %v", c)
	}
	if c := EstimateCost("unknown-model", 1000, 1000); c <= 0 {
		t.Error("unknown model must not cost zero")
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
