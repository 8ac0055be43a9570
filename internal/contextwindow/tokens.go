package contextwindow

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/pkoukk/tiktoken-go"
)

const (
	systemMessageOverhead = 2
	perMessageOverhead    = 4
)

// Tokenizer counts tokens in a piece of text.
type Tokenizer interface {
	Count(text string) int
}

// Tiktoken counts tokens with the model's tiktoken encoding. When the model
// is unknown it falls back to cl100k_base, and without any encoding to a
// rune-based heuristic.
type Tiktoken struct {
	encoder *tiktoken.Tiktoken
	approx  bool
}

// NewTiktoken resolves the encoding for model.
func NewTiktoken(model string) *Tiktoken {
	encoder, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return &Tiktoken{encoder: encoder}
	}

	fallback, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Tiktoken{approx: true}
	}
	return &Tiktoken{encoder: fallback, approx: true}
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.encoder == nil {
		return runeEstimate(text)
	}
	return len(t.encoder.Encode(text, nil, nil))
}

// Approximate reports whether counts come from a fallback encoding.
func (t *Tiktoken) Approximate() bool {
	return t == nil || t.approx
}

// runeEstimate is the rough 1 token per 4 characters heuristic.
func runeEstimate(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

type heuristic struct{}

func (heuristic) Count(text string) int { return runeEstimate(text) }

// messageTokens is the token cost of one message including role overhead,
// tool identifiers and serialized tool calls.
func messageTokens(tok Tokenizer, msg *llm.Message) int {
	if msg == nil {
		return 0
	}
	tokens := tok.Count(msg.Content)
	if msg.Role == llm.RoleSystem {
		tokens += systemMessageOverhead
	} else {
		tokens += perMessageOverhead
	}
	if msg.ToolCallID != "" {
		tokens += tok.Count(msg.ToolCallID)
	}
	if msg.ToolName != "" {
		tokens += tok.Count(msg.ToolName)
	}
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += tok.Count(string(data))
		}
	}
	return tokens
}
