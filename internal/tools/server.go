package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ServerTool forwards a tool call as an HTTP JSON request to a remote tool
// gateway and returns the gateway's JSON result verbatim.
type ServerTool struct {
	ToolName    string
	Desc        string
	Schema      map[string]any
	GatewayURL  string
	Token       string
	Client      *http.Client
}

func NewServerTool(name, desc string, schema map[string]any, gatewayURL, token string) *ServerTool {
	return &ServerTool{
		ToolName:   name,
		Desc:       desc,
		Schema:     schema,
		GatewayURL: gatewayURL,
		Token:      token,
		Client:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *ServerTool) Name() string        { return t.ToolName }
func (t *ServerTool) Description() string { return t.Desc }
func (t *ServerTool) Category() Category  { return CategoryServer }
func (t *ServerTool) ReadOnly() bool      { return false }
func (t *ServerTool) Parameters() map[string]any {
	if t.Schema != nil {
		return t.Schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

type serverToolRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

func (t *ServerTool) Execute(ctx context.Context, args map[string]any) *Result {
	payload, err := json.Marshal(serverToolRequest{Tool: t.ToolName, Input: args})
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("tool gateway request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read gateway response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("tool gateway returned %d: %s", resp.StatusCode, string(body)))
	}
	return SilentResult(string(body))
}
