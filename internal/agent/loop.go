// Package agent implements the control loop that alternates between asking
// a model what to do next and executing the tools it requests.
//
// One invocation is a finite-state machine:
//
//	Generating -> Deciding -> [Approving] -> Executing -> Recovering -> Generating ...
//
// Every phase may end in Terminated. The loop streams each step as an event
// and returns an Outcome carrying the final State and a Report.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/contextwindow"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/recovery"
	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/google/uuid"
)

// Errors describing why a run stopped. Check them with errors.Is.
var (
	ErrModel             = errors.New("model error")
	ErrProtocolViolation = errors.New("protocol violation: model returned neither content nor tool calls")
	ErrLoopDetected      = errors.New("loop detected: repeating same action")
	ErrApprovalRejected  = errors.New("tool calls rejected")
	ErrCancelled         = errors.New("run cancelled")
	ErrDeadline          = errors.New("wall-clock limit reached")
	ErrExhausted         = errors.New("iteration limit reached")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Options configures a run. The zero value is usable except for
// MaxIterations, where 0 means terminate before the first model call; use
// DefaultOptions or a negative value for the default ceiling.
type Options struct {
	MaxIterations   int
	WallClock       time.Duration
	Budget          contextwindow.Budget
	ToolFilter      []string
	Temperature     float64
	MaxTokens       int
	SystemPrompt    string
	Recovery        recovery.Config
	ToolResultLimit int
	// ConversationID is generated when empty.
	ConversationID string
}

// DefaultOptions returns the standard loop limits.
func DefaultOptions() Options {
	return Options{
		MaxIterations:   consts.DefaultMaxIterations,
		WallClock:       consts.DefaultWallClock,
		Budget:          contextwindow.DefaultBudget(),
		Temperature:     consts.DefaultTemperature,
		MaxTokens:       consts.DefaultMaxTokens,
		Recovery:        recovery.DefaultConfig(),
		ToolResultLimit: consts.DefaultToolResultHistory,
	}
}

// Loop drives one model and one tool invoker. A Loop holds no per-run
// state, so several runs may share it concurrently.
type Loop struct {
	Model   llm.Client
	Invoker *tools.Invoker
	// Window prunes the history before every model call; nil uses a
	// message-count window.
	Window *contextwindow.Window
	// Gate is consulted before tool calls run; nil auto-approves.
	Gate    approval.Gate
	Options Options
}

// New creates a loop with the given collaborators.
func New(model llm.Client, invoker *tools.Invoker, opts Options) *Loop {
	return &Loop{Model: model, Invoker: invoker, Options: opts}
}

// Outcome is what a run hands back once it has terminated.
type Outcome struct {
	State       *State
	Status      report.Status
	Termination report.Termination
	// Err is nil for completed runs and wraps one of the package errors
	// otherwise.
	Err    error
	Report *report.Report
}

// Run drives the state machine until it terminates. Events are delivered
// to sink in order; a nil sink discards them. Run never panics because of
// a model or tool failure and always returns an Outcome.
func (l *Loop) Run(ctx context.Context, initial []*llm.Message, sink events.Sink) *Outcome {
	opts := l.Options
	if opts.MaxIterations < 0 {
		opts.MaxIterations = consts.DefaultMaxIterations
	}
	convID := opts.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	r := newRun(l, opts, convID, initial, sink)
	return r.run(ctx)
}

// Stream runs the loop in a goroutine and returns its events and outcome.
// The event channel is closed when the run ends, after which the outcome
// is delivered. A consumer that stops reading must cancel ctx.
func (l *Loop) Stream(ctx context.Context, initial []*llm.Message) (<-chan events.Event, <-chan *Outcome) {
	evCh := make(chan events.Event, 64)
	outCh := make(chan *Outcome, 1)

	go func() {
		defer close(outCh)
		out := l.Run(ctx, initial, events.NewChannelSink(ctx, evCh))
		close(evCh)
		outCh <- out
	}()
	return evCh, outCh
}
