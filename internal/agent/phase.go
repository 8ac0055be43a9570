package agent

// Phase is a state of the control loop.
type Phase int

const (
	Generating Phase = iota
	Deciding
	Approving
	Executing
	Recovering
	Terminated
)

// String returns a human-readable name of the phase
func (p Phase) String() string {
	switch p {
	case Generating:
		return "generating"
	case Deciding:
		return "deciding"
	case Approving:
		return "approving"
	case Executing:
		return "executing"
	case Recovering:
		return "recovering"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Signal is what a phase reports when it finishes.
type Signal int

const (
	// SignalResponse: the model stream finished.
	SignalResponse Signal = iota
	// SignalModelFailed: the model stream failed.
	SignalModelFailed
	// SignalFinal: the response has prose and no tool calls.
	SignalFinal
	// SignalEmpty: the response has neither prose nor tool calls.
	SignalEmpty
	// SignalToolCalls: tool calls that need no approval.
	SignalToolCalls
	// SignalNeedsApproval: tool calls that need approval first.
	SignalNeedsApproval
	// SignalApproved: the approval gate let the calls through.
	SignalApproved
	// SignalRejected: the approval gate rejected the calls.
	SignalRejected
	// SignalExecuted: every call of the batch has an outcome.
	SignalExecuted
	// SignalContinue: recovery finished and budget remains.
	SignalContinue
	// SignalAbort: recovery found a fatal condition.
	SignalAbort
	// SignalExhausted: the iteration ceiling was reached.
	SignalExhausted
	// SignalCancelled: the context was cancelled or timed out.
	SignalCancelled
)

func (s Signal) String() string {
	switch s {
	case SignalResponse:
		return "response"
	case SignalModelFailed:
		return "model_failed"
	case SignalFinal:
		return "final"
	case SignalEmpty:
		return "empty"
	case SignalToolCalls:
		return "tool_calls"
	case SignalNeedsApproval:
		return "needs_approval"
	case SignalApproved:
		return "approved"
	case SignalRejected:
		return "rejected"
	case SignalExecuted:
		return "executed"
	case SignalContinue:
		return "continue"
	case SignalAbort:
		return "abort"
	case SignalExhausted:
		return "exhausted"
	case SignalCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// transition is the pure state machine of the loop. It reports false for a
// signal the phase cannot produce; the loop treats that as a bug and stops.
func transition(from Phase, sig Signal) (Phase, bool) {
	if sig == SignalCancelled {
		return Terminated, from != Terminated
	}

	switch from {
	case Generating:
		switch sig {
		case SignalResponse:
			return Deciding, true
		case SignalModelFailed:
			return Terminated, true
		}
	case Deciding:
		switch sig {
		case SignalFinal, SignalEmpty:
			return Terminated, true
		case SignalToolCalls:
			return Executing, true
		case SignalNeedsApproval:
			return Approving, true
		}
	case Approving:
		switch sig {
		case SignalApproved:
			return Executing, true
		case SignalRejected:
			return Terminated, true
		}
	case Executing:
		if sig == SignalExecuted {
			return Recovering, true
		}
	case Recovering:
		switch sig {
		case SignalContinue:
			return Generating, true
		case SignalAbort, SignalExhausted:
			return Terminated, true
		}
	}
	return Terminated, false
}
