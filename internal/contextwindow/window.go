// Package contextwindow bounds the conversation sent to the model while
// keeping it well-formed.
package contextwindow

import (
	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
)

// Budget limits what Prune keeps. MaxTokens only applies when the window
// has a tokenizer; otherwise MaxMessages is used.
type Budget struct {
	MaxMessages        int `yaml:"max_messages" json:"max_messages" validate:"min=0"`
	MaxTokens          int `yaml:"max_tokens" json:"max_tokens" validate:"min=0"`
	AnchorUserMessages int `yaml:"anchor_user_messages" json:"anchor_user_messages" validate:"min=0"`
}

// DefaultBudget returns the message-count budget used when nothing is configured.
func DefaultBudget() Budget {
	return Budget{
		MaxMessages:        consts.DefaultMaxMessages,
		AnchorUserMessages: consts.DefaultAnchorUserMessages,
	}
}

// Window prunes and measures message histories.
type Window struct {
	tokenizer Tokenizer
}

// New creates a window. A nil tokenizer selects message-count budgets.
func New(tokenizer Tokenizer) *Window {
	return &Window{tokenizer: tokenizer}
}

// group is a run of messages that must be kept or dropped together: an
// assistant message with tool calls and the tool messages answering it.
type group struct {
	start, end int
	pinned     bool
	cost       int
}

// Prune returns the subset of messages that fits budget, in original order.
// System messages and the first AnchorUserMessages user messages are always
// kept. The remaining budget is filled from the newest messages backward,
// and the newest group is kept even when it alone exceeds the budget. Tool
// call groups are never split. messages is not modified.
func (w *Window) Prune(messages []*llm.Message, budget Budget) []*llm.Message {
	if len(messages) == 0 {
		return nil
	}

	useTokens := w != nil && w.tokenizer != nil && budget.MaxTokens > 0
	limit := budget.MaxMessages
	if useTokens {
		limit = budget.MaxTokens
	}
	if limit <= 0 {
		limit = consts.DefaultMaxMessages
	}

	groups := splitGroups(messages)
	anchors := budget.AnchorUserMessages
	total := 0
	for i := range groups {
		g := &groups[i]
		first := messages[g.start]
		switch {
		case first == nil:
		case first.Role == llm.RoleSystem:
			g.pinned = true
		case first.Role == llm.RoleUser && anchors > 0:
			g.pinned = true
			anchors--
		}
		if useTokens {
			for _, msg := range messages[g.start:g.end] {
				g.cost += messageTokens(w.tokenizer, msg)
			}
		} else {
			g.cost = g.end - g.start
		}
		total += g.cost
	}

	if total <= limit {
		return append([]*llm.Message(nil), messages...)
	}

	keep := make([]bool, len(groups))
	used := 0
	for i, g := range groups {
		if g.pinned {
			keep[i] = true
			used += g.cost
		}
	}

	newest := true
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g.pinned {
			continue
		}
		if !newest && used+g.cost > limit {
			break
		}
		keep[i] = true
		used += g.cost
		newest = false
	}

	out := make([]*llm.Message, 0, len(messages))
	for i, g := range groups {
		if keep[i] {
			out = append(out, messages[g.start:g.end]...)
		}
	}

	logger.Debug("context window: pruned %d -> %d messages (budget %d, tokens=%v)", len(messages), len(out), limit, useTokens)
	return out
}

// Estimate returns the token cost of messages and whether it is approximate.
func (w *Window) Estimate(messages []*llm.Message) (int, bool) {
	var tok Tokenizer = heuristic{}
	approx := true
	if w != nil && w.tokenizer != nil {
		tok = w.tokenizer
		approx = false
		if a, ok := w.tokenizer.(interface{ Approximate() bool }); ok {
			approx = a.Approximate()
		}
	}

	total := 0
	for _, msg := range messages {
		total += messageTokens(tok, msg)
	}
	return total, approx
}

func splitGroups(messages []*llm.Message) []group {
	var groups []group
	for i := 0; i < len(messages); {
		end := i + 1
		if messages[i] != nil && messages[i].Role == llm.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			for end < len(messages) && messages[end] != nil && messages[end].Role == llm.RoleTool {
				end++
			}
		}
		groups = append(groups, group{start: i, end: end})
		i = end
	}
	return groups
}
