// Package store defines conversation persistence. Implementations live in
// the file and sqlite subpackages; both persist the same Conversation
// document, differing in how listings are indexed.
package store

import (
	"strings"
	"time"

	"github.com/whalelabs/whale/internal/providers"
)

// Conversation is the persisted state of one session.
type Conversation struct {
	ID           string              `json:"id"`
	Title        string              `json:"title,omitempty"`
	Messages     []providers.Message `json:"messages"`
	Model        string              `json:"model,omitempty"`
	InputTokens  int64               `json:"inputTokens,omitempty"`
	OutputTokens int64               `json:"outputTokens,omitempty"`
	CostUSD      float64             `json:"costUsd,omitempty"`
	TurnCount    int                 `json:"turnCount,omitempty"`
	ToolUsage    map[string]int      `json:"toolUsage,omitempty"`
	Created      time.Time           `json:"created"`
	Updated      time.Time           `json:"updated"`
}

// Info is one row of a conversation listing, ordered by Updated desc.
type Info struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Store persists conversations.
type Store interface {
	Save(c *Conversation) error
	Load(id string) (*Conversation, error)
	List() ([]Info, error)
	Delete(id string) error
}

// TitleLimit is how much of the first user message becomes the title.
const TitleLimit = 40

// DeriveTitle computes a listing title from the first user message.
func DeriveTitle(msgs []providers.Message) string {
	for _, m := range msgs {
		if m.Role == "user" && m.ToolCallID == "" {
			title := strings.TrimSpace(m.Content)
			if nl := strings.IndexByte(title, '\n'); nl >= 0 {
				title = title[:nl]
			}
			if len(title) > TitleLimit {
				title = title[:TitleLimit]
			}
			return title
		}
	}
	return "(untitled)"
}

// RecordToolUse bumps the per-tool usage counter.
func (c *Conversation) RecordToolUse(name string) {
	if c.ToolUsage == nil {
		c.ToolUsage = make(map[string]int)
	}
	c.ToolUsage[name]++
}
