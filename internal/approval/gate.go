// Package approval suspends tool execution until an external party
// approves or rejects the proposed calls.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
)

// Callback receives the calls of one model turn and reports whether they
// may run. It may block for as long as ctx allows.
type Callback func(ctx context.Context, calls []llm.ToolCallRequest) (bool, error)

// Decider answers a full approval request. Unlike Callback it sees the
// request ID and can explain a rejection.
type Decider func(ctx context.Context, req Request) (Decision, error)

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Gate decides whether a batch of calls needs approval and obtains it.
type Gate interface {
	Required(calls []llm.ToolCallRequest) bool
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Policy selects which calls are sensitive. Sensitive holds tool names or
// glob patterns. With no patterns, state-mutating tools are sensitive.
type Policy struct {
	Sensitive    []string `yaml:"sensitive" json:"sensitive"`
	AllSensitive bool     `yaml:"all_sensitive" json:"all_sensitive"`
}

// CallbackGate asks a Decider about sensitive calls.
type CallbackGate struct {
	decide Decider
	policy Policy
}

// NewGate creates a gate around a yes/no callback. Without a callback every
// call is auto-approved.
func NewGate(cb Callback, policy Policy) *CallbackGate {
	if cb == nil {
		return &CallbackGate{policy: policy}
	}
	return NewDeciderGate(func(ctx context.Context, req Request) (Decision, error) {
		approved, err := cb(ctx, req.Calls)
		return Decision{Approved: approved}, err
	}, policy)
}

// NewDeciderGate creates a gate around a Decider.
func NewDeciderGate(d Decider, policy Policy) *CallbackGate {
	return &CallbackGate{decide: d, policy: policy}
}

// Required reports whether any call in the batch is sensitive.
func (g *CallbackGate) Required(calls []llm.ToolCallRequest) bool {
	if g == nil || g.decide == nil || len(calls) == 0 {
		return false
	}
	if g.policy.AllSensitive {
		return true
	}
	for _, call := range calls {
		if g.sensitive(call.Name) {
			return true
		}
	}
	return false
}

func (g *CallbackGate) sensitive(name string) bool {
	if len(g.policy.Sensitive) == 0 {
		return tools.ClassifyName(name) == tools.KindMutating
	}
	return tools.MatchFilter(g.policy.Sensitive, name)
}

// Decide asks about req. A cancelled context is returned as an error so
// the caller can tell it apart from a rejection. A rejection without a
// reason gets one naming the calls.
func (g *CallbackGate) Decide(ctx context.Context, req Request) (Decision, error) {
	if g == nil || g.decide == nil {
		return Decision{Approved: true, Reason: "auto-approved"}, nil
	}
	decision, err := g.decide(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		return Decision{}, fmt.Errorf("approval callback failed: %w", err)
	}
	if !decision.Approved && decision.Reason == "" {
		decision.Reason = "rejected by user: " + Describe(req.Calls)
	}
	return decision, nil
}

// Describe renders calls compactly for prompts and messages.
func Describe(calls []llm.ToolCallRequest) string {
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Name)
	}
	return strings.Join(names, ", ")
}
