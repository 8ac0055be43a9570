package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/contextwindow"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/recovery"
	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/google/uuid"
)

const (
	rejectedMessage = "rejected by user"
	recoveryPrefix  = "Recovery: "
)

// run is the effectful shell around transition for one invocation. All of
// its fields are owned by the goroutine executing Run.
type run struct {
	loop    *Loop
	opts    Options
	state   *State
	emitter *events.Emitter
	log     *logger.Logger
	policy  *recovery.Policy
	window  *contextwindow.Window
	invoker *tools.Invoker

	phase    Phase
	response *llm.CompletionResponse
	// scheduled holds recovery calls for the next Executing step.
	scheduled    []llm.ToolCallRequest
	observations []recovery.Observation

	termination  report.Termination
	err          error
	rejected     string
	finalMessage string
	recoveries   int
	started      time.Time
}

func newRun(l *Loop, opts Options, convID string, initial []*llm.Message, sink events.Sink) *run {
	state := NewState(convID, initial, opts.MaxIterations, opts.ToolResultLimit)
	if opts.SystemPrompt != "" && !hasSystemMessage(state.Messages) {
		state.Messages = append([]*llm.Message{llm.NewMessage(llm.RoleSystem, opts.SystemPrompt)}, state.Messages...)
	}
	if opts.Budget == (contextwindow.Budget{}) {
		opts.Budget = contextwindow.DefaultBudget()
	}

	window := l.Window
	if window == nil {
		window = contextwindow.New(nil)
	}
	invoker := l.Invoker
	if invoker == nil {
		invoker = tools.NewInvoker(nil, tools.InvokerOptions{})
	}

	return &run{
		loop:    l,
		opts:    opts,
		state:   state,
		emitter: events.NewEmitter(sink, convID),
		log:     logger.Global().ForRun(convID),
		policy:  recovery.NewPolicy(opts.Recovery),
		window:  window,
		invoker: invoker,
		phase:   Generating,
		started: time.Now(),
	}
}

func hasSystemMessage(msgs []*llm.Message) bool {
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

func (r *run) run(parent context.Context) *Outcome {
	ctx := parent
	if r.opts.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.opts.WallClock)
		defer cancel()
	}

	r.log.Info("run started: max_iterations=%d wall_clock=%s messages=%d",
		r.opts.MaxIterations, r.opts.WallClock, len(r.state.Messages))

	if r.state.HasReachedLimit() {
		r.terminate(report.TerminationExhausted, ErrExhausted)
		r.phase = Terminated
	}

	for r.phase != Terminated {
		from := r.phase
		sig := r.step(ctx)
		next, ok := transition(from, sig)
		if !ok {
			r.log.Error("invalid transition: %s on %s", sig, from)
			r.terminate(report.TerminationProtocolViolation, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, sig, from))
		}
		r.log.Debug("%s --%s--> %s", from, sig, next)
		r.phase = next
	}

	return r.finish()
}

// step runs the current phase once and reports its signal.
func (r *run) step(ctx context.Context) Signal {
	if err := ctx.Err(); err != nil {
		r.stop(err)
		return SignalCancelled
	}
	switch r.phase {
	case Generating:
		return r.generate(ctx)
	case Deciding:
		return r.decide()
	case Approving:
		return r.approve(ctx)
	case Executing:
		return r.execute(ctx)
	case Recovering:
		return r.recover()
	}
	return SignalCancelled
}

func (r *run) emit(ev events.Event) {
	_ = r.emitter.Emit(r.state.Turns, ev)
}

func (r *run) terminate(t report.Termination, err error) {
	if r.termination != "" {
		return
	}
	r.termination = t
	r.err = err
}

// stop ends the run because ctx is done. Calls that were decided on but
// never dispatched still get a tool message so the transcript stays
// well-formed.
func (r *run) stop(cause error) {
	r.state.Cancelled = true
	for _, call := range r.state.Pending {
		r.state.appendMessages(llm.NewToolMessage(call.ID, call.Name, "Error: cancelled before start"))
	}
	r.state.Pending = nil
	r.scheduled = nil

	if errors.Is(cause, context.DeadlineExceeded) {
		r.terminate(report.TerminationDeadline, fmt.Errorf("%w: %w", ErrDeadline, cause))
		return
	}
	r.terminate(report.TerminationCancelled, fmt.Errorf("%w: %w", ErrCancelled, cause))
}

func (r *run) generate(ctx context.Context) Signal {
	r.state.Turns++
	req := &llm.CompletionRequest{
		Messages:    r.window.Prune(r.state.Messages, r.opts.Budget),
		Tools:       r.invoker.ListSchemas(r.opts.ToolFilter),
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	}
	r.log.Debug("turn %d: sending %d of %d messages, %d tools",
		r.state.Turns, len(req.Messages), len(r.state.Messages), len(req.Tools))

	resp, err := r.loop.Model.StreamChat(ctx, req, func(chunk llm.StreamChunk) error {
		if chunk.ContentDelta != "" {
			r.emit(events.Event{Type: events.TypeModelDelta, Delta: chunk.ContentDelta})
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.stop(ctxErr)
			return SignalCancelled
		}
		r.log.Error("model call failed: %v", err)
		r.terminate(report.TerminationModelError, fmt.Errorf("%w: %w", ErrModel, err))
		return SignalModelFailed
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	r.response = resp
	return SignalResponse
}

func (r *run) decide() Signal {
	resp := r.response
	r.response = nil

	calls := llm.NormalizeToolCallIDs(cloneCalls(resp.ToolCalls))
	if len(calls) == 0 && strings.TrimSpace(resp.Content) == "" {
		r.log.Warn("model returned neither content nor tool calls")
		r.terminate(report.TerminationProtocolViolation, ErrProtocolViolation)
		return SignalEmpty
	}

	msg := llm.NewMessage(llm.RoleAssistant, resp.Content)
	msg.ToolCalls = calls
	r.state.appendMessages(msg)

	if len(calls) == 0 {
		r.finalMessage = resp.Content
		if len(r.scheduled) > 0 {
			r.log.Debug("dropping %d scheduled recovery calls, model finished", len(r.scheduled))
			r.scheduled = nil
		}
		r.terminate(report.TerminationCompleted, nil)
		return SignalFinal
	}

	r.state.Pending = calls
	for i := range calls {
		call := calls[i].Clone()
		r.emit(events.Event{Type: events.TypeToolCallPlanned, ToolCall: &call})
	}

	if r.loop.Gate != nil && r.loop.Gate.Required(r.batch()) {
		return SignalNeedsApproval
	}
	return SignalToolCalls
}

// batch is everything the next Executing step dispatches.
func (r *run) batch() []llm.ToolCallRequest {
	out := make([]llm.ToolCallRequest, 0, len(r.state.Pending)+len(r.scheduled))
	out = append(out, r.state.Pending...)
	return append(out, r.scheduled...)
}

func (r *run) approve(ctx context.Context) Signal {
	calls := cloneCalls(r.batch())
	requestID := uuid.NewString()
	r.emit(events.Event{
		Type:     events.TypeApprovalRequested,
		Approval: &events.Approval{RequestID: requestID, Calls: calls},
	})

	decision, err := r.loop.Gate.Decide(ctx, approval.Request{
		ID:        requestID,
		RunID:     r.state.ConversationID,
		Calls:     calls,
		CreatedAt: time.Now(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.stop(ctxErr)
			return SignalCancelled
		}
		r.log.Warn("approval failed, treating as rejection: %v", err)
		decision = approval.Decision{Reason: "approval failed: " + err.Error()}
	}

	r.emit(events.Event{
		Type: events.TypeApprovalResolved,
		Approval: &events.Approval{
			RequestID: requestID,
			Calls:     calls,
			Approved:  decision.Approved,
			Reason:    decision.Reason,
		},
	})
	if decision.Approved {
		return SignalApproved
	}

	reason := decision.Reason
	if reason == "" {
		reason = rejectedMessage
	}
	for _, call := range r.state.Pending {
		r.state.appendMessages(llm.NewToolMessage(call.ID, call.Name, "Error: "+rejectedMessage))
	}
	r.state.Pending = nil
	r.scheduled = nil
	r.state.appendMessages(llm.NewMessage(llm.RoleAssistant, rejectedMessage))

	r.rejected = reason
	r.log.Info("tool calls rejected: %s", reason)
	r.terminate(report.TerminationApprovalRejected, fmt.Errorf("%w: %s", ErrApprovalRejected, reason))
	return SignalRejected
}

func (r *run) execute(ctx context.Context) Signal {
	calls := r.state.Pending
	synthetic := r.scheduled
	r.state.Pending = nil
	r.scheduled = nil

	for i := range synthetic {
		call := synthetic[i].Clone()
		r.emit(events.Event{Type: events.TypeToolCallPlanned, ToolCall: &call})
	}

	batch := make([]llm.ToolCallRequest, 0, len(calls)+len(synthetic))
	batch = append(batch, calls...)
	batch = append(batch, synthetic...)

	start := time.Now()
	results := r.invoker.InvokeBatch(ctx, batch)
	r.log.Debug("executed %d calls in %s", len(batch), time.Since(start))

	// Every call gets a tool message, including the ones cut off by
	// cancellation, so no call is left unanswered.
	for i, call := range calls {
		r.state.appendMessages(llm.NewToolMessage(call.ID, call.Name, results[i].Content()))
	}
	if len(synthetic) > 0 {
		note := llm.NewMessage(llm.RoleAssistant, "")
		note.ToolCalls = cloneCalls(synthetic)
		r.state.appendMessages(note)
		for j, call := range synthetic {
			r.state.appendMessages(llm.NewToolMessage(call.ID, call.Name, results[len(calls)+j].Content()))
		}
	}

	r.observations = r.observations[:0]
	for i := range results {
		res := results[i]
		if !res.Completed() {
			continue
		}
		if !res.OK() {
			r.log.Warn("tool %s failed (%s): %s", res.ToolName, res.ErrorType, res.Error)
		}
		r.emit(events.Event{Type: events.TypeToolResult, ToolResult: &res})
		r.observations = append(r.observations, recovery.Observation{
			Call:      batch[i],
			Result:    res,
			Kind:      r.invoker.Classify(batch[i].Name),
			Synthetic: i >= len(calls),
		})
	}
	r.state.recordResults(results)

	if err := ctx.Err(); err != nil {
		r.stop(err)
		return SignalCancelled
	}
	r.state.Iteration++
	return SignalExecuted
}

func (r *run) recover() Signal {
	directives := r.policy.Observe(r.observations)
	r.observations = r.observations[:0]

	for _, d := range directives {
		r.recoveries++
		r.log.Info("recovery %s: %s", d.Kind, d.Reason)

		probe := r.schedule(d.ProbeCall)
		r.emit(events.Event{
			Type: events.TypeRecoveryAction,
			Recovery: &events.Recovery{
				Kind:      string(d.Kind),
				Reason:    d.Reason,
				Message:   d.Message,
				ProbeCall: probe,
			},
		})
		r.state.appendMessages(llm.NewMessage(llm.RoleAssistant, recoveryPrefix+d.Message))

		if d.Fatal {
			r.terminate(report.TerminationLoopDetected, fmt.Errorf("%w: %s", ErrLoopDetected, d.Message))
			return SignalAbort
		}
	}

	if r.state.HasReachedLimit() {
		r.terminate(report.TerminationExhausted, ErrExhausted)
		return SignalExhausted
	}
	return SignalContinue
}

// schedule queues a recovery call for the next Executing step. A probe
// tool the invoker cannot resolve is replaced by a short wait.
func (r *run) schedule(call *llm.ToolCallRequest) *llm.ToolCallRequest {
	if call == nil {
		return nil
	}
	next := call.Clone()
	if !r.invoker.Has(next.Name) {
		r.log.Debug("probe tool %s unavailable, waiting instead", next.Name)
		next = llm.ToolCallRequest{
			Name:      tools.ToolNameWait,
			Arguments: map[string]interface{}{"seconds": r.policy.Config().WaitSeconds},
		}
	}
	next.ID = "recovery_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	r.scheduled = append(r.scheduled, next)

	out := next.Clone()
	return &out
}

func (r *run) finish() *Outcome {
	finished := time.Now()
	if r.termination == "" {
		r.terminate(report.TerminationCancelled, ErrCancelled)
	}

	var reportErr error
	if r.termination.Fatal() {
		reportErr = r.err
	}
	rep := report.Build(report.Input{
		ConversationID: r.state.ConversationID,
		Termination:    r.termination,
		Err:            reportErr,
		Iterations:     r.state.Turns,
		MaxIterations:  r.opts.MaxIterations,
		FinalMessage:   r.finalMessage,
		Results:        r.state.History,
		Failures:       r.policy.Failures(),
		RecoveryCount:  r.recoveries,
		RejectedReason: r.rejected,
		StartedAt:      r.started,
		FinishedAt:     finished,
	})

	if r.termination.Fatal() {
		r.emit(events.Event{
			Type: events.TypeError,
			Error: &events.Error{
				Kind:        string(r.termination),
				Message:     r.err.Error(),
				Status:      string(rep.Status),
				Termination: string(r.termination),
				Iterations:  rep.Iterations,
				ReportID:    rep.ID,
			},
		})
	} else {
		r.emit(events.Event{
			Type: events.TypeCompletion,
			Completion: &events.Completion{
				Status:      string(rep.Status),
				Termination: string(r.termination),
				Summary:     rep.Summary,
				Iterations:  rep.Iterations,
				ReportID:    rep.ID,
			},
		})
	}

	r.log.Info("run finished: status=%s termination=%s turns=%d tool_calls=%d in %s",
		rep.Status, r.termination, r.state.Turns, len(r.state.History), finished.Sub(r.started).Round(time.Millisecond))

	return &Outcome{
		State:       r.state,
		Status:      rep.Status,
		Termination: r.termination,
		Err:         r.err,
		Report:      rep,
	}
}

func cloneCalls(calls []llm.ToolCallRequest) []llm.ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCallRequest, len(calls))
	for i, call := range calls {
		out[i] = call.Clone()
	}
	return out
}
