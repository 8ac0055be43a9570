package contextwindow

import (
	"strings"
	"testing"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer counts whitespace-separated words.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func msg(role, content string) *llm.Message {
	return llm.NewMessage(role, content)
}

func toolCall(id, name string) *llm.Message {
	m := llm.NewMessage(llm.RoleAssistant, "")
	m.ToolCalls = []llm.ToolCallRequest{{ID: id, Name: name}}
	return m
}

func contents(messages []*llm.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		if len(m.ToolCalls) > 0 {
			out = append(out, "call:"+m.ToolCalls[0].ID)
			continue
		}
		if m.Role == llm.RoleTool {
			out = append(out, "result:"+m.ToolCallID)
			continue
		}
		out = append(out, m.Content)
	}
	return out
}

func conversation() []*llm.Message {
	return []*llm.Message{
		msg(llm.RoleSystem, "sys"),
		msg(llm.RoleUser, "u1"),
		msg(llm.RoleAssistant, "a1"),
		msg(llm.RoleUser, "u2"),
		toolCall("c1", "search"),
		llm.NewToolMessage("c1", "search", "r1"),
		msg(llm.RoleAssistant, "a2"),
		msg(llm.RoleUser, "u3"),
		toolCall("c2", "fetch_page"),
		llm.NewToolMessage("c2", "fetch_page", "r2"),
		msg(llm.RoleAssistant, "a3"),
	}
}

func TestPruneWithinBudgetReturnsCopy(t *testing.T) {
	in := conversation()
	out := New(nil).Prune(in, Budget{MaxMessages: 50})
	require.Equal(t, in, out)

	out[0] = nil
	assert.NotNil(t, in[0])
}

func TestPruneKeepsAnchorsAndRecentTail(t *testing.T) {
	in := conversation()
	original := append([]*llm.Message(nil), in...)

	out := New(nil).Prune(in, Budget{MaxMessages: 6, AnchorUserMessages: 2})

	assert.Equal(t, []string{"sys", "u1", "u2", "call:c2", "result:c2", "a3"}, contents(out))
	assert.Equal(t, original, in, "input must not be modified")
}

func TestPruneMovesCutToGroupBoundary(t *testing.T) {
	in := conversation()
	// sys, u1, u2 pinned (3); a3 (1) leaves room for one more message, which
	// would split the c2 group, so it is dropped entirely.
	out := New(nil).Prune(in, Budget{MaxMessages: 5, AnchorUserMessages: 2})

	assert.Equal(t, []string{"sys", "u1", "u2", "a3"}, contents(out))
}

func TestPruneNeverOrphansToolResults(t *testing.T) {
	in := conversation()
	for limit := 1; limit <= len(in); limit++ {
		out := New(nil).Prune(in, Budget{MaxMessages: limit, AnchorUserMessages: 1})
		calls := map[string]bool{}
		for _, m := range out {
			for _, c := range m.ToolCalls {
				calls[c.ID] = true
			}
			if m.Role == llm.RoleTool {
				assert.True(t, calls[m.ToolCallID], "limit %d: orphaned result %s", limit, m.ToolCallID)
			}
		}
		for id := range calls {
			found := false
			for _, m := range out {
				if m.Role == llm.RoleTool && m.ToolCallID == id {
					found = true
				}
			}
			assert.True(t, found, "limit %d: call %s lost its result", limit, id)
		}
	}
}

func TestPruneKeepsNewestGroupOverBudget(t *testing.T) {
	in := []*llm.Message{
		msg(llm.RoleUser, "task"),
		msg(llm.RoleAssistant, "old"),
		toolCall("c1", "search"),
		llm.NewToolMessage("c1", "search", "a"),
		llm.NewToolMessage("c1", "search", "b"),
	}
	out := New(nil).Prune(in, Budget{MaxMessages: 2, AnchorUserMessages: 1})
	assert.Equal(t, []string{"task", "call:c1", "result:c1", "result:c1"}, contents(out))
}

func TestPruneByTokens(t *testing.T) {
	in := []*llm.Message{
		msg(llm.RoleSystem, "be brief"),
		msg(llm.RoleUser, "find the cheapest flight"),
		msg(llm.RoleAssistant, strings.Repeat("word ", 40)),
		msg(llm.RoleAssistant, "short answer"),
		msg(llm.RoleUser, "thanks"),
	}
	w := New(wordTokenizer{})

	// system 2+2, user 4+4, "short answer" 2+4, "thanks" 1+4 = 23
	out := w.Prune(in, Budget{MaxTokens: 25, MaxMessages: 1, AnchorUserMessages: 1})
	assert.Equal(t, []string{"be brief", "find the cheapest flight", "short answer", "thanks"}, contents(out))

	// MaxTokens is ignored without a tokenizer.
	out = New(nil).Prune(in, Budget{MaxTokens: 25, MaxMessages: 3, AnchorUserMessages: 1})
	assert.Equal(t, []string{"be brief", "find the cheapest flight", "thanks"}, contents(out))
}

func TestEstimate(t *testing.T) {
	in := []*llm.Message{
		msg(llm.RoleSystem, "one two"),
		msg(llm.RoleUser, "three"),
	}

	tokens, approx := New(wordTokenizer{}).Estimate(in)
	assert.Equal(t, 2+2+1+4, tokens)
	assert.False(t, approx)

	tokens, approx = New(nil).Estimate([]*llm.Message{msg(llm.RoleUser, "abcdefgh")})
	assert.Equal(t, 2+4, tokens)
	assert.True(t, approx)
}

func TestTiktokenFallbackCounts(t *testing.T) {
	var tk *Tiktoken
	assert.Equal(t, 0, tk.Count(""))
	assert.Equal(t, 2, tk.Count("abcdefgh"))
	assert.True(t, tk.Approximate())
}
