// Package report summarizes a finished agent run.
package report

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/tools"
	"github.com/google/uuid"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusStopped        Status = "stopped"
	StatusMaxIterations  Status = "max_iterations"
	StatusError          Status = "error"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusStopped, StatusMaxIterations, StatusError:
		return true
	}
	return false
}

// Termination explains why a run stopped.
type Termination string

const (
	TerminationCompleted         Termination = "completed"
	TerminationModelError        Termination = "model_error"
	TerminationProtocolViolation Termination = "protocol_violation"
	TerminationLoopDetected      Termination = "loop_detected"
	TerminationApprovalRejected  Termination = "approval_rejected"
	TerminationCancelled         Termination = "cancelled"
	TerminationDeadline          Termination = "deadline"
	TerminationExhausted         Termination = "exhausted"
)

// Stopped reports whether t is a graceful stop requested from outside the model.
func (t Termination) Stopped() bool {
	return t == TerminationCancelled || t == TerminationDeadline || t == TerminationApprovalRejected
}

// Fatal reports whether t ends the run with an error.
func (t Termination) Fatal() bool {
	return t == TerminationModelError || t == TerminationProtocolViolation || t == TerminationLoopDetected
}

// ToolStat counts the calls of one tool.
type ToolStat struct {
	Name          string        `json:"name"`
	Calls         int           `json:"calls"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Report is the artifact handed back once a run ends. It is read-only
// after Build returns.
type Report struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Status         Status         `json:"status"`
	Termination    Termination    `json:"termination"`
	Summary        string         `json:"summary"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Iterations     int            `json:"iterations"`
	MaxIterations  int            `json:"max_iterations"`
	FinalMessage   string         `json:"final_message,omitempty"`
	ToolStats      []ToolStat     `json:"tool_stats"`
	Achievements   []string       `json:"achievements"`
	Issues         []string       `json:"issues"`
	NextSteps      []string       `json:"next_steps"`
	ToolResults    []tools.Result `json:"tool_results"`
	RecoveryCount  int            `json:"recovery_count"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Duration returns the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Input is everything Build needs from a terminated run.
type Input struct {
	ConversationID string
	Termination    Termination
	Err            error
	Iterations     int
	MaxIterations  int
	FinalMessage   string
	// Results is the complete history of completed tool calls.
	Results []tools.Result
	// Failures holds the consecutive failure count per tool at exit.
	Failures       map[string]int
	RecoveryCount  int
	RejectedReason string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Build derives a report from a terminated run. It does not modify in.
func Build(in Input) *Report {
	r := &Report{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Termination:    in.Termination,
		Iterations:     in.Iterations,
		MaxIterations:  in.MaxIterations,
		FinalMessage:   in.FinalMessage,
		ToolStats:      toolStats(in.Results),
		ToolResults:    append([]tools.Result{}, in.Results...),
		RecoveryCount:  in.RecoveryCount,
		StartedAt:      in.StartedAt,
		FinishedAt:     in.FinishedAt,
	}
	if in.Err != nil {
		r.ErrorMessage = in.Err.Error()
	}

	anyFailed := false
	for _, s := range r.ToolStats {
		if s.Failures > 0 {
			anyFailed = true
		}
	}
	r.Status = resolveStatus(in.Termination, in.Err, anyFailed)
	r.Achievements = achievements(in.Results)
	r.Issues = issues(in, r.ToolStats)
	r.NextSteps = nextSteps(in, r.ToolStats)
	r.Summary = summary(r)
	return r
}

// resolveStatus applies the precedence
// stopped > error > max_iterations > partial_success > success.
func resolveStatus(t Termination, err error, anyFailed bool) Status {
	switch {
	case t.Stopped():
		return StatusStopped
	case t.Fatal() || err != nil:
		return StatusError
	case t == TerminationExhausted:
		return StatusMaxIterations
	case anyFailed:
		return StatusPartialSuccess
	default:
		return StatusSuccess
	}
}

func toolStats(results []tools.Result) []ToolStat {
	byName := map[string]*ToolStat{}
	for _, res := range results {
		s, ok := byName[res.ToolName]
		if !ok {
			s = &ToolStat{Name: res.ToolName}
			byName[res.ToolName] = s
		}
		s.Calls++
		s.TotalDuration += res.Duration
		if res.OK() {
			s.Successes++
		} else {
			s.Failures++
		}
	}
	out := make([]ToolStat, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var achievementPatterns = []struct {
	pattern  *regexp.Regexp
	singular string
	plural   string
}{
	{regexp.MustCompile(`(?i)(navigate|goto|open_url|visit|fetch_page)`), "Visited 1 page", "Visited %d pages"},
	{regexp.MustCompile(`(?i)(search|query|find|lookup)`), "Ran 1 search", "Ran %d searches"},
	{regexp.MustCompile(`(?i)(extract|read|get_|scrape|screenshot)`), "Extracted content once", "Extracted content %d times"},
	{regexp.MustCompile(`(?i)(click|type|submit|select|press|write|post|put|add|create|update|delete)`), "Performed 1 action", "Performed %d actions"},
}

// achievements counts successful calls per category. A tool name counts
// towards the first category it matches.
func achievements(results []tools.Result) []string {
	counts := make([]int, len(achievementPatterns))
	for _, res := range results {
		if !res.OK() {
			continue
		}
		for i, a := range achievementPatterns {
			if a.pattern.MatchString(res.ToolName) {
				counts[i]++
				break
			}
		}
	}
	out := []string{}
	for i, n := range counts {
		switch {
		case n == 1:
			out = append(out, achievementPatterns[i].singular)
		case n > 1:
			out = append(out, fmt.Sprintf(achievementPatterns[i].plural, n))
		}
	}
	return out
}

func issues(in Input, stats []ToolStat) []string {
	out := []string{}
	for _, s := range stats {
		if s.Failures >= 2 {
			out = append(out, fmt.Sprintf("%s failed %d of %d calls", s.Name, s.Failures, s.Calls))
		}
	}
	for _, name := range sortedKeys(in.Failures) {
		if n := in.Failures[name]; n > 0 {
			out = append(out, fmt.Sprintf("%s was still failing at exit (%d consecutive failures)", name, n))
		}
	}

	switch in.Termination {
	case TerminationExhausted:
		out = append(out, fmt.Sprintf("Iteration limit of %d reached before the task was finished", in.MaxIterations))
	case TerminationLoopDetected:
		out = append(out, "Stopped after the same tool call was repeated with identical arguments")
	case TerminationApprovalRejected:
		reason := in.RejectedReason
		if reason == "" {
			reason = "rejected by user"
		}
		out = append(out, "Tool calls were not approved: "+reason)
	case TerminationProtocolViolation:
		out = append(out, "The model returned neither content nor tool calls")
	case TerminationModelError:
		out = append(out, "The model could not be reached")
	case TerminationDeadline:
		out = append(out, "The wall-clock limit expired")
	case TerminationCancelled:
		out = append(out, "The run was cancelled")
	}
	return out
}

func nextSteps(in Input, stats []ToolStat) []string {
	out := []string{}
	for _, s := range stats {
		if s.Failures >= 2 {
			out = append(out, fmt.Sprintf("Check the inputs and availability of %s", s.Name))
		}
	}
	switch in.Termination {
	case TerminationExhausted:
		out = append(out, "Raise the iteration limit or split the task into smaller steps")
	case TerminationLoopDetected:
		out = append(out, "Rephrase the task or provide the missing information the agent kept looking for")
	case TerminationApprovalRejected:
		out = append(out, "Adjust the request so it does not need the rejected actions, or approve them")
	case TerminationProtocolViolation, TerminationModelError:
		out = append(out, "Retry the run; check the model provider configuration if it fails again")
	case TerminationDeadline:
		out = append(out, "Raise the timeout or narrow the task")
	case TerminationCancelled:
		out = append(out, "Start the run again to continue")
	}
	return out
}

func summary(r *Report) string {
	calls := 0
	for _, s := range r.ToolStats {
		calls += s.Calls
	}
	work := fmt.Sprintf("%s and %s", plural(r.Iterations, "iteration"), plural(calls, "tool call"))

	switch r.Termination {
	case TerminationCompleted:
		if r.Status == StatusPartialSuccess {
			return fmt.Sprintf("Completed with some failed tool calls after %s.", work)
		}
		return fmt.Sprintf("Completed after %s.", work)
	case TerminationExhausted:
		return fmt.Sprintf("Stopped at the iteration limit after %s.", work)
	case TerminationCancelled:
		return fmt.Sprintf("Cancelled after %s.", work)
	case TerminationDeadline:
		return fmt.Sprintf("Stopped by the wall-clock limit after %s.", work)
	case TerminationApprovalRejected:
		return fmt.Sprintf("Stopped because tool calls were rejected, after %s.", work)
	case TerminationLoopDetected:
		return fmt.Sprintf("Loop detected: the same action was repeated; stopped after %s.", work)
	case TerminationProtocolViolation:
		return fmt.Sprintf("Protocol violation: the model returned an empty response after %s.", work)
	case TerminationModelError:
		return fmt.Sprintf("Model error after %s: %s", work, r.ErrorMessage)
	}
	if r.ErrorMessage != "" {
		return fmt.Sprintf("Failed after %s: %s", work, r.ErrorMessage)
	}
	return fmt.Sprintf("Finished after %s.", work)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Title is a one-line label for listings.
func (r *Report) Title() string {
	return fmt.Sprintf("%s (%s)", strings.ReplaceAll(string(r.Status), "_", " "), r.Termination)
}
