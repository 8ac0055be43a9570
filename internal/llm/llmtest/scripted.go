// Package llmtest provides a deterministic llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/agentloop/internal/llm"
)

// ErrScriptExhausted is returned once every scripted turn has been consumed.
var ErrScriptExhausted = errors.New("scripted client: no more turns")

// Turn is one scripted model response.
type Turn struct {
	Deltas    []string
	ToolCalls []llm.ToolCallRequest
	Err       error
	// Hook runs before the turn is streamed, e.g. to cancel a context.
	Hook func(ctx context.Context, req *llm.CompletionRequest)
}

// Text is a prose-only turn.
func Text(parts ...string) Turn {
	return Turn{Deltas: parts}
}

// Call is a turn requesting a single tool call.
func Call(name string, args map[string]interface{}) Turn {
	return Turn{ToolCalls: []llm.ToolCallRequest{{Name: name, Arguments: args}}}
}

// ScriptedClient replays Turns in order.
type ScriptedClient struct {
	Model string
	// RepeatLast replays the final turn forever instead of failing.
	RepeatLast bool

	mu       sync.Mutex
	turns    []Turn
	next     int
	callSeq  int
	requests []*llm.CompletionRequest
}

// New creates a client replaying turns.
func New(turns ...Turn) *ScriptedClient {
	return &ScriptedClient{Model: "scripted", turns: turns}
}

func (c *ScriptedClient) ModelName() string {
	return c.Model
}

func (c *ScriptedClient) StreamChat(ctx context.Context, req *llm.CompletionRequest, onChunk func(llm.StreamChunk) error) (*llm.CompletionResponse, error) {
	turn, err := c.take(req)
	if err != nil {
		return nil, err
	}
	if turn.Hook != nil {
		turn.Hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	resp := &llm.CompletionResponse{StopReason: "stop"}
	for _, delta := range turn.Deltas {
		resp.Content += delta
		if onChunk != nil {
			if err := onChunk(llm.StreamChunk{ContentDelta: delta}); err != nil {
				return nil, err
			}
		}
	}
	resp.ToolCalls = turn.ToolCalls
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = "tool_calls"
	}
	if onChunk != nil {
		if err := onChunk(llm.StreamChunk{ToolCalls: resp.ToolCalls, Done: true}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *ScriptedClient) take(req *llm.CompletionRequest) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := &llm.CompletionRequest{
		Tools:        req.Tools,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
	}
	for _, msg := range req.Messages {
		snapshot.Messages = append(snapshot.Messages, msg.Clone())
	}
	c.requests = append(c.requests, snapshot)

	if c.next >= len(c.turns) {
		if !c.RepeatLast || len(c.turns) == 0 {
			return Turn{}, ErrScriptExhausted
		}
		c.next = len(c.turns) - 1
	}
	turn := c.turns[c.next]
	c.next++

	calls := make([]llm.ToolCallRequest, len(turn.ToolCalls))
	for i, call := range turn.ToolCalls {
		call = call.Clone()
		if call.ID == "" {
			c.callSeq++
			call.ID = fmt.Sprintf("call_%d", c.callSeq)
		}
		calls[i] = call
	}
	turn.ToolCalls = calls
	return turn, nil
}

// Requests returns a copy of every request received so far.
func (c *ScriptedClient) Requests() []*llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.CompletionRequest(nil), c.requests...)
}

// Calls returns how many times StreamChat was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
