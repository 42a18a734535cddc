// Package contextmgr tracks token usage for a conversation and compacts
// history when the next request would approach the model's context window.
// Compaction folds the oldest block of messages into one synthesized
// summary message while keeping the system preamble, the most recent user
// message, and a verbatim tail of recent exchanges.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/whalelabs/whale/internal/providers"
)

const (
	// CompactionThreshold is the context-window share at which compaction
	// triggers.
	CompactionThreshold = 0.70

	// DefaultKeepLast is how many recent user exchanges stay verbatim.
	DefaultKeepLast = 4

	charsPerToken      = 4
	perMessageOverhead = 4
	summaryMaxTokens   = 1024
)

// Stats describes one compaction.
type Stats struct {
	BeforeCount int
	AfterCount  int
	TokensSaved int
}

// Manager is single-owner per conversation.
type Manager struct {
	Provider      providers.Provider
	Model         string
	ContextWindow int
	KeepLast      int

	// Calibration from the last real usage report: scales the chars/4
	// heuristic toward observed prompt sizes.
	lastPromptTokens int
	lastMessageCount int
}

func New(provider providers.Provider, model string, contextWindow int) *Manager {
	if contextWindow <= 0 {
		contextWindow = 200_000
	}
	return &Manager{
		Provider:      provider,
		Model:         model,
		ContextWindow: contextWindow,
		KeepLast:      DefaultKeepLast,
	}
}

// RecordActualUsage stores the real prompt size of the last request for
// calibration of later estimates.
func (m *Manager) RecordActualUsage(promptTokens, messageCount int) {
	if promptTokens > 0 && messageCount > 0 {
		m.lastPromptTokens = promptTokens
		m.lastMessageCount = messageCount
	}
}

// EstimateTokens estimates the prompt size of msgs. When a calibrated base
// is available, new messages beyond the calibrated count are estimated on
// top of the observed figure.
func (m *Manager) EstimateTokens(msgs []providers.Message) int {
	if m.lastPromptTokens > 0 && len(msgs) >= m.lastMessageCount {
		extra := rawEstimate(msgs[m.lastMessageCount:])
		return m.lastPromptTokens + extra
	}
	return rawEstimate(msgs)
}

func rawEstimate(msgs []providers.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content) / charsPerToken
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + 50) / charsPerToken
			for k, v := range tc.Arguments {
				total += (len(k) + len(fmt.Sprint(v))) / charsPerToken
			}
		}
		total += perMessageOverhead
	}
	return total
}

// NeedsCompaction reports whether the estimated next request exceeds the
// compaction threshold.
func (m *Manager) NeedsCompaction(msgs []providers.Message) bool {
	return m.EstimateTokens(msgs) >= int(float64(m.ContextWindow)*CompactionThreshold)
}

// Compact returns a shortened message list. Every tool_call↔tool_result
// pair either survives whole in the tail or is folded into the summary;
// the cut point is always a user-message boundary so no pair is split.
func (m *Manager) Compact(ctx context.Context, msgs []providers.Message) ([]providers.Message, *Stats, error) {
	keepLast := m.KeepLast
	if keepLast <= 0 {
		keepLast = DefaultKeepLast
	}

	sysEnd := 0
	for sysEnd < len(msgs) && msgs[sysEnd].Role == "system" {
		sysEnd++
	}

	cut := cutIndex(msgs, sysEnd, keepLast)
	if cut <= sysEnd {
		return msgs, nil, nil // nothing old enough to fold away
	}

	head := msgs[sysEnd:cut]
	summary, err := m.summarize(ctx, head)
	if err != nil {
		return nil, nil, fmt.Errorf("compaction summary: %w", err)
	}

	out := make([]providers.Message, 0, sysEnd+1+len(msgs)-cut)
	out = append(out, msgs[:sysEnd]...)
	out = append(out, providers.Message{
		Role:    "assistant",
		Content: "[Conversation summary]\n" + summary,
	})
	out = append(out, msgs[cut:]...)

	before := m.EstimateTokens(msgs)
	// Calibration refers to the old shape; drop it after rewriting history.
	m.lastPromptTokens = 0
	m.lastMessageCount = 0
	after := m.EstimateTokens(out)

	saved := before - after
	if saved < 0 {
		saved = 0
	}
	return out, &Stats{BeforeCount: len(msgs), AfterCount: len(out), TokensSaved: saved}, nil
}

// cutIndex finds the index of the keepLast-th most recent user message at
// or after sysEnd. User messages are never inside a tool pair, so cutting
// there cannot orphan a tool_result.
func cutIndex(msgs []providers.Message, sysEnd, keepLast int) int {
	seen := 0
	for i := len(msgs) - 1; i >= sysEnd; i-- {
		if msgs[i].Role == "user" && msgs[i].ToolCallID == "" {
			seen++
			if seen >= keepLast {
				return i
			}
		}
	}
	return sysEnd
}

func (m *Manager) summarize(ctx context.Context, head []providers.Message) (string, error) {
	var b strings.Builder
	for _, msg := range head {
		switch msg.Role {
		case "user":
			fmt.Fprintf(&b, "user: %s\n", msg.Content)
		case "assistant":
			if msg.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, "assistant ran %s(%v)\n", tc.Name, tc.Arguments)
			}
		case "tool":
			out := msg.Content
			if len(out) > 400 {
				out = out[:400] + "..."
			}
			fmt.Fprintf(&b, "tool result: %s\n", out)
		}
	}

	prompt := "Provide a concise summary of this conversation so far, preserving key context, " +
		"decisions, file paths, and unresolved tasks:\n\n" + b.String()

	resp, err := m.Provider.Stream(ctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		Model:     m.Model,
		MaxTokens: summaryMaxTokens,
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
