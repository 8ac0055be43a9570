// Package events defines the ordered event stream an agent run emits and
// the sinks that consume it.
package events

import (
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
)

// Type identifies the kind of event.
type Type string

const (
	TypeModelDelta        Type = "modelDelta"
	TypeToolCallPlanned   Type = "toolCallPlanned"
	TypeToolResult        Type = "toolResult"
	TypeApprovalRequested Type = "approvalRequested"
	TypeApprovalResolved  Type = "approvalResolved"
	TypeRecoveryAction    Type = "recoveryAction"
	TypeCompletion        Type = "completion"
	TypeError             Type = "error"
)

// Terminal reports whether t ends a run's stream.
func (t Type) Terminal() bool {
	return t == TypeCompletion || t == TypeError
}

// Event is one step of a run. Exactly one payload field matching Type is set.
type Event struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Iteration      int       `json:"iteration"`
	Time           time.Time `json:"time"`

	Delta      string               `json:"delta,omitempty"`
	ToolCall   *llm.ToolCallRequest `json:"tool_call,omitempty"`
	ToolResult *tools.Result        `json:"tool_result,omitempty"`
	Approval   *Approval            `json:"approval,omitempty"`
	Recovery   *Recovery            `json:"recovery,omitempty"`
	Completion *Completion          `json:"completion,omitempty"`
	Error      *Error               `json:"error,omitempty"`
}

// Approval describes an approval request or its resolution.
type Approval struct {
	RequestID string                `json:"request_id,omitempty"`
	Calls     []llm.ToolCallRequest `json:"calls"`
	Approved  bool                  `json:"approved"`
	Reason    string                `json:"reason,omitempty"`
}

// Recovery describes a corrective action applied to the conversation.
type Recovery struct {
	Kind      string               `json:"kind"`
	Reason    string               `json:"reason"`
	Message   string               `json:"message"`
	ProbeCall *llm.ToolCallRequest `json:"probe_call,omitempty"`
}

// Completion is the terminal event of a run that stopped without an error.
type Completion struct {
	Status      string `json:"status"`
	Termination string `json:"termination"`
	Summary     string `json:"summary"`
	Iterations  int    `json:"iterations"`
	ReportID    string `json:"report_id,omitempty"`
}

// Error is the terminal event of a run that failed.
type Error struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	Termination string `json:"termination"`
	Iterations  int    `json:"iterations"`
	ReportID    string `json:"report_id,omitempty"`
}
