// Package protocol defines the websocket wire protocol spoken by serve mode
// and the event/terminal name constants shared between the engine and its
// transports.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 2

// Inbound message types (client → server).
const (
	MsgQuery            = "query"
	MsgAbort            = "abort"
	MsgPing             = "ping"
	MsgGetTools         = "get_tools"
	MsgNewConversation  = "new_conversation"
	MsgLoadConversation = "load_conversation"
	MsgGetConversations = "get_conversations"
)

// Outbound message types (server → client).
const (
	MsgReady               = "ready"
	MsgStarted             = "started"
	MsgText                = "text"
	MsgToolStart           = "tool_start"
	MsgToolResult          = "tool_result"
	MsgDone                = "done"
	MsgError               = "error"
	MsgAborted             = "aborted"
	MsgPong                = "pong"
	MsgTools               = "tools"
	MsgConversationCreated = "conversation_created"
	MsgConversations       = "conversations"
	MsgConversationLoaded  = "conversation_loaded"
	MsgDebug               = "debug"
)

// MaxToolResultBytes caps tool_result bodies on the wire. Larger bodies are
// cut and suffixed with TruncationMarker.
const MaxToolResultBytes = 10 * 1024

// TruncationMarker is appended to truncated tool_result bodies.
const TruncationMarker = "\n[... output truncated ...]"

// ClientFrame is one inbound websocket message.
type ClientFrame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"` // client-chosen request id, echoed back
	Prompt         string          `json:"prompt,omitempty"`
	StoreID        string          `json:"storeId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"` // per-query overrides (model, maxTurns, ...)
}

// ServerFrame is one outbound websocket message.
type ServerFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Version        string `json:"version,omitempty"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	Text string `json:"text,omitempty"`

	ToolID    string `json:"toolId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput any    `json:"toolInput,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	Duration  int64  `json:"durationMs,omitempty"`

	Usage *UsageInfo `json:"usage,omitempty"`

	Tools         []ToolInfo         `json:"tools,omitempty"`
	Conversations []ConversationInfo `json:"conversations,omitempty"`
	Messages      json.RawMessage    `json:"messages,omitempty"`

	Error string `json:"error,omitempty"`
}

// UsageInfo summarizes token/cost accounting for one user message.
type UsageInfo struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	Turns        int     `json:"turns"`
}

// ToolInfo is the wire description of one registered tool.
type ToolInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	ReadOnly      bool   `json:"readOnly"`
	RequiresStore bool   `json:"requiresStoreContext,omitempty"`
	Parameters    any    `json:"parameters,omitempty"`
}

// ConversationInfo is one row of a conversation listing.
type ConversationInfo struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}
