// Package recovery watches the trajectory of tool outcomes in an agent run
// and proposes corrective directives. It never executes anything itself.
package recovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
)

// DirectiveKind names a corrective action.
type DirectiveKind string

const (
	AbortLoop   DirectiveKind = "abort_loop"
	Guidance    DirectiveKind = "guidance"
	Probe       DirectiveKind = "probe"
	VisualProbe DirectiveKind = "visual_probe"
	Verify      DirectiveKind = "verify"
	Wait        DirectiveKind = "wait"
)

// Directive is an advisory action the loop makes visible to the model,
// either as a note or as a synthetic tool call run on the next iteration.
type Directive struct {
	Kind      DirectiveKind        `json:"kind"`
	Reason    string               `json:"reason"`
	Message   string               `json:"message"`
	ProbeCall *llm.ToolCallRequest `json:"probe_call,omitempty"`
	Fatal     bool                 `json:"fatal,omitempty"`
}

// Config tunes the detectors. Zero values fall back to defaults.
type Config struct {
	Window          int     `yaml:"window" json:"window" validate:"min=0"`
	RepeatThreshold int     `yaml:"repeat_threshold" json:"repeat_threshold" validate:"min=0"`
	FailureStreak   int     `yaml:"failure_streak" json:"failure_streak" validate:"min=0"`
	StallThreshold  int     `yaml:"stall_threshold" json:"stall_threshold" validate:"min=0"`
	ProbeTool       string  `yaml:"probe_tool" json:"probe_tool"`
	VisualProbeTool string  `yaml:"visual_probe_tool" json:"visual_probe_tool"`
	VerifyTool      string  `yaml:"verify_tool" json:"verify_tool"`
	WaitSeconds     float64 `yaml:"wait_seconds" json:"wait_seconds" validate:"min=0,max=10"`
	// DisableVerify turns off post-mutation verification.
	DisableVerify bool `yaml:"disable_verify" json:"disable_verify"`
}

// DefaultConfig returns the standard detector settings.
func DefaultConfig() Config {
	return Config{
		Window:          5,
		RepeatThreshold: 3,
		FailureStreak:   2,
		StallThreshold:  2,
		ProbeTool:       "scroll",
		VisualProbeTool: "screenshot",
		VerifyTool:      tools.ToolNameFetchPage,
		WaitSeconds:     2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = d.RepeatThreshold
	}
	if c.FailureStreak <= 0 {
		c.FailureStreak = d.FailureStreak
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.ProbeTool == "" {
		c.ProbeTool = d.ProbeTool
	}
	if c.VisualProbeTool == "" {
		c.VisualProbeTool = d.VisualProbeTool
	}
	if c.VerifyTool == "" {
		c.VerifyTool = d.VerifyTool
	}
	if c.WaitSeconds <= 0 {
		c.WaitSeconds = d.WaitSeconds
	}
	if c.Window < c.RepeatThreshold {
		c.Window = c.RepeatThreshold
	}
	return c
}

// Observation is one completed tool call as seen by the policy.
type Observation struct {
	Call   llm.ToolCallRequest
	Result tools.Result
	Kind   tools.Kind
	// Fingerprint of the observed environment; derived from the result when
	// empty and the call is an observation.
	Fingerprint string
	// Synthetic marks calls the loop issued for a directive. They never
	// count as repeats and never schedule a verification.
	Synthetic bool
}

// FailureCounter maps tool names to their current consecutive failures.
type FailureCounter map[string]int

// stall escalation levels
const (
	stallNone = iota
	stallProbed
	stallVisual
	stallWaited
	stallGuided
)

// Policy holds the detector state of one agent run. It is not safe for
// concurrent use; the loop owns it.
type Policy struct {
	cfg Config

	window  []string
	aborted bool

	failures FailureCounter
	notified map[string]bool

	fingerprints    map[string]string
	stall           int
	escalation      int
	lastObservation *llm.ToolCallRequest
}

// NewPolicy creates a policy for one run.
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		cfg:          cfg.withDefaults(),
		failures:     make(FailureCounter),
		notified:     make(map[string]bool),
		fingerprints: make(map[string]string),
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Observe records a batch of results in call order and returns the
// directives it triggers. A fatal directive, if any, comes first.
func (p *Policy) Observe(batch []Observation) []Directive {
	var (
		abort       *Directive
		guidance    []Directive
		stallDir    *Directive
		mutated     string
		sawObserved bool
	)

	for _, obs := range batch {
		if obs.Result.NotStarted {
			continue
		}

		if !obs.Synthetic {
			if d := p.trackRepeat(obs.Call); d != nil && abort == nil {
				abort = d
			}
		}
		if d := p.trackFailure(obs); d != nil {
			guidance = append(guidance, *d)
		}
		if !obs.Result.OK() {
			continue
		}

		switch obs.Kind {
		case tools.KindObserving:
			sawObserved = true
			call := obs.Call.Clone()
			p.lastObservation = &call
			if d := p.trackFingerprint(obs); d != nil && stallDir == nil {
				stallDir = d
			}
		case tools.KindMutating:
			if mutated == "" && !obs.Synthetic {
				mutated = obs.Call.Name
			}
		}
	}

	var out []Directive
	if abort != nil {
		out = append(out, *abort)
	}
	out = append(out, guidance...)
	if stallDir != nil {
		out = append(out, *stallDir)
	} else if mutated != "" && !sawObserved && !p.cfg.DisableVerify {
		out = append(out, p.verify(mutated))
	}
	return out
}

// Failures returns a snapshot of the consecutive failure counts.
func (p *Policy) Failures() FailureCounter {
	out := make(FailureCounter, len(p.failures))
	for k, v := range p.failures {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (p *Policy) trackRepeat(call llm.ToolCallRequest) *Directive {
	key := callKey(call)
	p.window = append(p.window, key)
	if len(p.window) > p.cfg.Window {
		p.window = p.window[len(p.window)-p.cfg.Window:]
	}
	run := 0
	for i := len(p.window) - 1; i >= 0 && p.window[i] == key; i-- {
		run++
	}
	if run < p.cfg.RepeatThreshold || p.aborted {
		return nil
	}
	p.aborted = true
	return &Directive{
		Kind:    AbortLoop,
		Reason:  "repeating same action",
		Message: fmt.Sprintf("Stopping: %s was called %d times in a row with the same arguments.", call.Name, run),
		Fatal:   true,
	}
}

func (p *Policy) trackFailure(obs Observation) *Directive {
	name := obs.Call.Name
	if obs.Result.OK() {
		delete(p.failures, name)
		delete(p.notified, name)
		return nil
	}
	p.failures[name]++
	if p.failures[name] < p.cfg.FailureStreak || p.notified[name] {
		return nil
	}
	p.notified[name] = true

	msg := fmt.Sprintf("%s has failed %d times in a row (last error: %s). Do not repeat the same call. %s",
		name, p.failures[name], truncate(obs.Result.Error, 200), hintFor(name, ClassifyResult(obs.Result)))
	return &Directive{
		Kind:    Guidance,
		Reason:  fmt.Sprintf("%s failed %d times in a row", name, p.failures[name]),
		Message: msg,
	}
}

func (p *Policy) trackFingerprint(obs Observation) *Directive {
	fp := obs.Fingerprint
	if fp == "" {
		fp = resultFingerprint(obs.Result)
	}
	prev, seen := p.fingerprints[obs.Call.Name]
	p.fingerprints[obs.Call.Name] = fp

	switch {
	case !seen:
		return nil
	case prev != fp:
		p.stall = 0
		p.escalation = stallNone
		return nil
	}

	if p.stall == 0 {
		p.stall = 1
	}
	p.stall++
	if p.stall < p.cfg.StallThreshold {
		return nil
	}

	reason := fmt.Sprintf("%s observed the same state %d times", obs.Call.Name, p.stall)
	switch p.escalation {
	case stallNone:
		p.escalation = stallProbed
		return &Directive{
			Kind:      Probe,
			Reason:    reason,
			Message:   fmt.Sprintf("No visible change after the last actions. Probing with %s before continuing.", p.cfg.ProbeTool),
			ProbeCall: &llm.ToolCallRequest{Name: p.cfg.ProbeTool, Arguments: map[string]interface{}{"direction": "down"}},
		}
	case stallProbed:
		p.escalation = stallVisual
		return &Directive{
			Kind:      VisualProbe,
			Reason:    reason,
			Message:   fmt.Sprintf("Still no visible change after probing. Capturing the screen with %s.", p.cfg.VisualProbeTool),
			ProbeCall: &llm.ToolCallRequest{Name: p.cfg.VisualProbeTool, Arguments: map[string]interface{}{}},
		}
	case stallVisual:
		p.escalation = stallWaited
		return &Directive{
			Kind:      Wait,
			Reason:    reason,
			Message:   fmt.Sprintf("The environment has not changed. Waiting %.0f seconds for it to settle.", p.cfg.WaitSeconds),
			ProbeCall: &llm.ToolCallRequest{Name: tools.ToolNameWait, Arguments: map[string]interface{}{"seconds": p.cfg.WaitSeconds}},
		}
	case stallWaited:
		p.escalation = stallGuided
		return &Directive{
			Kind:    Guidance,
			Reason:  reason,
			Message: "Repeated observations show no progress. Change strategy: try a different element, page, or tool, or finish with what you have.",
		}
	}
	return nil
}

func (p *Policy) verify(mutated string) Directive {
	d := Directive{
		Kind:   Verify,
		Reason: mutated + " changed the environment",
	}
	if p.lastObservation != nil {
		call := p.lastObservation.Clone()
		call.ID = ""
		d.ProbeCall = &call
		d.Message = fmt.Sprintf("Verifying the effect of %s with %s.", mutated, call.Name)
		return d
	}
	d.Message = fmt.Sprintf("Verify that %s had the intended effect (for example with %s) before relying on it.", mutated, p.cfg.VerifyTool)
	return d
}

// callKey identifies a call by name and canonical JSON arguments.
func callKey(call llm.ToolCallRequest) string {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return call.Name + ":" + fmt.Sprint(args)
	}
	return call.Name + ":" + string(data)
}

func resultFingerprint(r tools.Result) string {
	if m, ok := r.Result.(map[string]interface{}); ok {
		if fp, ok := m["fingerprint"].(string); ok && fp != "" {
			return fp
		}
	}
	return Fingerprint(r.Content())
}

var toolHints = map[string]string{
	"click":                 "Try element search with a broader query, or fall back to coordinate-based interaction.",
	"type":                  "Make sure the input is focused first, or click it before typing.",
	"navigate":              "Check the URL, or reach the page through links from a page that loads.",
	tools.ToolNameFetchPage: "Check the URL for typos, or fetch a parent page and follow its links.",
}

var classHints = map[ErrorClass]string{
	ClassNotFound:         "The target could not be found. Observe the current state first, then broaden the query.",
	ClassTimeout:          "The call timed out. Wait briefly or try a lighter operation.",
	ClassNetwork:          "The service is unreachable. Try another source or wait before retrying.",
	ClassRateLimit:        "The service is rate limiting. Wait before retrying or use another source.",
	ClassPermission:       "Access was denied. Use a different resource or approach.",
	ClassInvalidArguments: "Re-check the tool's parameter schema and send only the documented arguments.",
}

func hintFor(tool string, class ErrorClass) string {
	if hint, ok := toolHints[tool]; ok {
		return hint
	}
	for name, hint := range toolHints {
		if strings.HasSuffix(tool, "_"+name) {
			return hint
		}
	}
	if hint, ok := classHints[class]; ok {
		return hint
	}
	return "Try a different tool or strategy instead of repeating the failing call."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
