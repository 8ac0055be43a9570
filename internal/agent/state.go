package agent

import (
	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
)

// State is the loop state of one invocation. Only the loop driving it
// mutates it; callers read it after Run returns.
type State struct {
	ConversationID string
	Messages       []*llm.Message
	// ToolResults keeps the most recent completed results, bounded.
	ToolResults []tools.Result
	// History keeps every completed result for reporting.
	History []tools.Result
	// Pending holds the calls decided on but not executed yet. It stands in
	// for clearing tool_calls on the assistant message, which providers need
	// to pair tool results. Executing clears it so a call never runs twice,
	// even when the same messages are replayed.
	Pending []llm.ToolCallRequest
	// Iteration counts completed Executing steps.
	Iteration int
	// Turns counts model calls.
	Turns         int
	MaxIterations int
	Cancelled     bool

	resultLimit int
}

// NewState creates the state for an invocation from a copy of initial.
func NewState(conversationID string, initial []*llm.Message, maxIterations, resultLimit int) *State {
	if resultLimit <= 0 {
		resultLimit = consts.DefaultToolResultHistory
	}
	msgs := make([]*llm.Message, 0, len(initial))
	for _, msg := range initial {
		if msg != nil {
			msgs = append(msgs, msg.Clone())
		}
	}
	return &State{
		ConversationID: conversationID,
		Messages:       msgs,
		MaxIterations:  maxIterations,
		resultLimit:    resultLimit,
	}
}

// HasReachedLimit reports whether the iteration ceiling has been reached.
func (s *State) HasReachedLimit() bool {
	return s.Iteration >= s.MaxIterations
}

func (s *State) appendMessages(msgs ...*llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// recordResults stores completed results. Calls that never started or were
// cut off by cancellation are left out.
func (s *State) recordResults(results []tools.Result) {
	for _, res := range results {
		if !res.Completed() {
			continue
		}
		s.History = append(s.History, res)
		s.ToolResults = append(s.ToolResults, res)
	}
	if over := len(s.ToolResults) - s.resultLimit; over > 0 {
		s.ToolResults = append([]tools.Result(nil), s.ToolResults[over:]...)
	}
}
