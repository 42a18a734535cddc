package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements Provider against the Anthropic Messages API
// via net/http SSE streaming.
type AnthropicProvider struct {
	apiKey        string
	baseURL       string
	defaultModel  string
	fallbackModel string
	client        *http.Client
	retryConfig   RetryConfig

	// onFallback, once the primary model persistently overloads, the
	// provider switches to fallbackModel for the rest of the session.
	onFallback atomic.Bool
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithFallbackModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.fallbackModel = model }
}

func WithRetryConfig(cfg RetryConfig) AnthropicOption {
	return func(p *AnthropicProvider) { p.retryConfig = cfg }
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 10 * time.Minute},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// OnFallback reports whether the provider has switched to the fallback
// model for this session.
func (p *AnthropicProvider) OnFallback() bool { return p.onFallback.Load() }

func (p *AnthropicProvider) resolveModel(requested string) string {
	model := requested
	if model == "" {
		model = p.defaultModel
	}
	if p.onFallback.Load() && p.fallbackModel != "" {
		return p.fallbackModel
	}
	return model
}

// Stream sends the request and streams SSE deltas through onChunk. Only the
// connection phase is retried; once bytes flow, a failure surfaces as-is.
// Persistent overload switches to the fallback model (sticky) when one is
// configured.
func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := p.resolveModel(req.Model)
	resp, err := p.streamOnce(ctx, model, req, onChunk)
	if err == nil {
		return resp, nil
	}

	var he *HTTPError
	if errors.As(err, &he) && he.Overloaded() && p.fallbackModel != "" && !p.onFallback.Load() {
		p.onFallback.Store(true)
		slog.Warn("provider overloaded, switching to fallback model",
			"from", model, "to", p.fallbackModel)
		return p.streamOnce(ctx, p.fallbackModel, req, onChunk)
	}
	return nil, err
}

func (p *AnthropicProvider) streamOnce(ctx context.Context, model string, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(model, req)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}
	defer respBody.Close()

	resp, err := p.readStream(ctx, respBody, onChunk)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}
	resp.Model = model
	return resp, nil
}

func (p *AnthropicProvider) readStream(ctx context.Context, r io.Reader, onChunk func(StreamChunk)) (*ChatResponse, error) {
	result := &ChatResponse{FinishReason: "stop"}
	toolCallJSON := make(map[int]string)

	var rawContentBlocks []json.RawMessage
	var currentBlockType string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
				result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				currentBlockType = ev.ContentBlock.Type
				if ev.ContentBlock.Type == "tool_use" {
					tc := ToolCall{
						ID:        ev.ContentBlock.ID,
						Name:      strings.TrimSpace(ev.ContentBlock.Name),
						Arguments: make(map[string]any),
					}
					result.ToolCalls = append(result.ToolCalls, tc)
					if onChunk != nil {
						onChunk(StreamChunk{ToolCallStart: &tc})
					}
				}
				rawContentBlocks = append(rawContentBlocks, nil)
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					result.Content += ev.Delta.Text
					if onChunk != nil {
						onChunk(StreamChunk{Content: ev.Delta.Text})
					}
				case "thinking_delta":
					result.Thinking += ev.Delta.Thinking
					if onChunk != nil {
						onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
					}
				case "input_json_delta":
					if len(result.ToolCalls) > 0 {
						idx := len(result.ToolCalls) - 1
						toolCallJSON[idx] += ev.Delta.PartialJSON
					}
				}
			}

		case "content_block_stop":
			if len(rawContentBlocks) > 0 {
				idx := len(rawContentBlocks) - 1
				if block := p.buildRawBlock(currentBlockType, result, toolCallJSON); block != nil {
					rawContentBlocks[idx] = block
				}
			}
			currentBlockType = ""

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.StopReason {
				case "tool_use":
					result.FinishReason = "tool_calls"
				case "max_tokens":
					result.FinishReason = "length"
				case "":
				default:
					result.FinishReason = "stop"
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// stream complete
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	// Parse accumulated tool call argument JSON.
	for i, rawJSON := range toolCallJSON {
		if rawJSON != "" {
			args := make(map[string]any)
			_ = json.Unmarshal([]byte(rawJSON), &args)
			result.ToolCalls[i].Arguments = args
		}
	}

	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}

	if len(rawContentBlocks) > 0 && len(result.ToolCalls) > 0 {
		filtered := rawContentBlocks[:0]
		for _, b := range rawContentBlocks {
			if b != nil {
				filtered = append(filtered, b)
			}
		}
		if b, err := json.Marshal(filtered); err == nil {
			result.RawAssistantContent = b
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true, Usage: result.Usage})
	}
	return result, nil
}

// buildRawBlock reconstructs a complete content block from streaming state
// so thinking blocks and tool_use inputs survive passback.
func (p *AnthropicProvider) buildRawBlock(blockType string, result *ChatResponse, toolCallJSON map[int]string) json.RawMessage {
	var block map[string]any
	switch blockType {
	case "thinking":
		block = map[string]any{"type": "thinking", "thinking": result.Thinking}
	case "text":
		block = map[string]any{"type": "text", "text": result.Content}
	case "tool_use":
		if len(result.ToolCalls) == 0 {
			return nil
		}
		idx := len(result.ToolCalls) - 1
		tc := result.ToolCalls[idx]
		args := make(map[string]any)
		if raw := toolCallJSON[idx]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		block = map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": args}
	default:
		return nil
	}
	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return b
}

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest) map[string]any {
	var systemBlocks []map[string]any
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]any{"type": "text", "text": msg.Content})

		case "user":
			messages = append(messages, map[string]any{"role": "user", "content": msg.Content})

		case "assistant":
			if msg.RawAssistantContent != nil {
				var rawBlocks []json.RawMessage
				if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
					messages = append(messages, map[string]any{"role": "assistant", "content": rawBlocks})
					continue
				}
			}
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", strings.TrimSpace(string(respBody))),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// --- streaming event types ---

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
