package web

import (
	"time"

	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/report"
)

// Message types sent to clients
const (
	MessageTypeEvent           = "event"
	MessageTypeApprovalRequest = "approval_request"
	MessageTypeRunStarted      = "run_started"
	MessageTypeRunFinished     = "run_finished"
	MessageTypeAck             = "ack"
	MessageTypeError           = "error"
)

// Message types received from clients
const (
	MessageTypeStartRun         = "start_run"
	MessageTypeCancelRun        = "cancel_run"
	MessageTypeApprovalResponse = "approval_response"
)

// WebMessage represents a message sent over WebSocket
type WebMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`

	// start_run
	Prompt  string `json:"prompt,omitempty"`
	Profile string `json:"profile,omitempty"`

	// approval_request / approval_response
	ApprovalID string            `json:"approval_id,omitempty"`
	Approval   *approval.Request `json:"approval,omitempty"`
	Approved   *bool             `json:"approved,omitempty"` // pointer to distinguish false from not set
	Reason     string            `json:"reason,omitempty"`

	Event  *events.Event  `json:"event,omitempty"`
	Report *report.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StartRequest starts a run through the REST API or the WebSocket.
type StartRequest struct {
	Prompt  string `json:"prompt" validate:"required,max=100000"`
	Profile string `json:"profile,omitempty" validate:"omitempty,max=64"`
}

// RunInfo describes a run in flight.
type RunInfo struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile,omitempty"`
	Prompt    string    `json:"prompt"`
	StartedAt time.Time `json:"started_at"`
}

// ApprovalResponse resolves a pending approval through the REST API.
type ApprovalResponse struct {
	Approved *bool  `json:"approved" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}
