package recovery

import (
	"testing"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(name string, kind tools.Kind, args map[string]interface{}, result interface{}) Observation {
	return Observation{
		Call:   llm.ToolCallRequest{Name: name, Arguments: args},
		Result: tools.Result{ToolName: name, Result: result},
		Kind:   kind,
	}
}

func failed(name string, args map[string]interface{}, msg string) Observation {
	return Observation{
		Call:   llm.ToolCallRequest{Name: name, Arguments: args},
		Result: tools.Result{ToolName: name, Error: msg, ErrorType: tools.ErrKindExecution},
	}
}

func kinds(ds []Directive) []DirectiveKind {
	out := make([]DirectiveKind, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Kind)
	}
	return out
}

func TestExactRepeatAbortsOnThirdCall(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	args := map[string]interface{}{"query": "x"}

	assert.Empty(t, p.Observe([]Observation{ok("search", tools.KindNeutral, args, "hit")}))
	assert.Empty(t, p.Observe([]Observation{ok("search", tools.KindNeutral, args, "hit")}))

	ds := p.Observe([]Observation{ok("search", tools.KindNeutral, args, "hit")})
	require.NotEmpty(t, ds)
	assert.Equal(t, AbortLoop, ds[0].Kind)
	assert.True(t, ds[0].Fatal)
	assert.Equal(t, "repeating same action", ds[0].Reason)
}

func TestRepeatNeedsIdenticalArguments(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	for _, q := range []string{"a", "b", "a", "b"} {
		ds := p.Observe([]Observation{ok("search", tools.KindNeutral, map[string]interface{}{"query": q}, "hit")})
		assert.Empty(t, ds)
	}
}

func TestRepeatWithinOneBatch(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	args := map[string]interface{}{"query": "x"}
	ds := p.Observe([]Observation{
		ok("search", tools.KindNeutral, args, "1"),
		ok("search", tools.KindNeutral, args, "2"),
		ok("search", tools.KindNeutral, args, "3"),
	})
	require.NotEmpty(t, ds)
	assert.Equal(t, AbortLoop, ds[0].Kind)
}

func TestFailureStreakGuidanceOncePerStreak(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	assert.Empty(t, p.Observe([]Observation{failed("click", map[string]interface{}{"selector": "#a"}, "no element matches #a")}))

	ds := p.Observe([]Observation{failed("click", map[string]interface{}{"selector": "#b"}, "no element matches #b")})
	require.Equal(t, []DirectiveKind{Guidance}, kinds(ds))
	assert.Contains(t, ds[0].Message, "broader query")
	assert.Contains(t, ds[0].Message, "2 times")
	assert.Equal(t, FailureCounter{"click": 2}, p.Failures())

	assert.Empty(t, p.Observe([]Observation{failed("click", map[string]interface{}{"selector": "#c"}, "no element")}))

	p.Observe([]Observation{ok("click", tools.KindNeutral, map[string]interface{}{"selector": "#d"}, "clicked")})
	assert.Empty(t, p.Failures())
}

func TestFailureGuidanceUsesErrorClass(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	p.Observe([]Observation{failed("lookup", map[string]interface{}{"id": 1}, "request failed: 429 Too Many Requests")})
	ds := p.Observe([]Observation{failed("lookup", map[string]interface{}{"id": 2}, "request failed: 429 Too Many Requests")})
	require.Len(t, ds, 1)
	assert.Contains(t, ds[0].Message, "rate limiting")
}

func TestNoProgressEscalates(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	page := func(url string) Observation {
		return ok("fetch_page", tools.KindObserving, map[string]interface{}{"url": url},
			map[string]interface{}{"markdown": "same", "fingerprint": "abc"})
	}

	assert.Empty(t, p.Observe([]Observation{page("https://a")}))

	ds := p.Observe([]Observation{page("https://b")})
	require.Equal(t, []DirectiveKind{Probe}, kinds(ds))
	require.NotNil(t, ds[0].ProbeCall)
	assert.Equal(t, "scroll", ds[0].ProbeCall.Name)

	ds = p.Observe([]Observation{page("https://c")})
	require.Equal(t, []DirectiveKind{VisualProbe}, kinds(ds))
	assert.Equal(t, "screenshot", ds[0].ProbeCall.Name)

	ds = p.Observe([]Observation{page("https://d")})
	require.Equal(t, []DirectiveKind{Wait}, kinds(ds))
	assert.Equal(t, tools.ToolNameWait, ds[0].ProbeCall.Name)
	assert.Equal(t, float64(2), ds[0].ProbeCall.Arguments["seconds"])

	ds = p.Observe([]Observation{page("https://e")})
	require.Equal(t, []DirectiveKind{Guidance}, kinds(ds))

	assert.Empty(t, p.Observe([]Observation{page("https://f")}))
}

func TestProgressResetsEscalation(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	obs := func(url, content string) Observation {
		return ok("read_page", tools.KindObserving, map[string]interface{}{"url": url}, content)
	}
	p.Observe([]Observation{obs("1", "first")})
	require.Equal(t, []DirectiveKind{Probe}, kinds(p.Observe([]Observation{obs("2", "  first ")})))

	assert.Empty(t, p.Observe([]Observation{obs("3", "second")}))
	require.Equal(t, []DirectiveKind{Probe}, kinds(p.Observe([]Observation{obs("4", "second")})))
}

func TestMutationSchedulesVerification(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	ds := p.Observe([]Observation{ok("click", tools.KindMutating, map[string]interface{}{"selector": "#buy"}, "clicked")})
	require.Equal(t, []DirectiveKind{Verify}, kinds(ds))
	assert.Nil(t, ds[0].ProbeCall)
	assert.Contains(t, ds[0].Message, "click")

	p.Observe([]Observation{ok("fetch_page", tools.KindObserving, map[string]interface{}{"url": "https://shop"}, map[string]interface{}{"fingerprint": "1"})})

	ds = p.Observe([]Observation{
		ok("type", tools.KindMutating, map[string]interface{}{"text": "a"}, "typed"),
		ok("click", tools.KindMutating, map[string]interface{}{"selector": "#go"}, "clicked"),
	})
	require.Equal(t, []DirectiveKind{Verify}, kinds(ds))
	require.NotNil(t, ds[0].ProbeCall)
	assert.Equal(t, "fetch_page", ds[0].ProbeCall.Name)
	assert.Equal(t, "https://shop", ds[0].ProbeCall.Arguments["url"])
	assert.Empty(t, ds[0].ProbeCall.ID)

	// A batch that already observed needs no extra verification.
	ds = p.Observe([]Observation{
		ok("click", tools.KindMutating, map[string]interface{}{"selector": "#x"}, "clicked"),
		ok("fetch_page", tools.KindObserving, map[string]interface{}{"url": "https://shop/next"}, map[string]interface{}{"fingerprint": "2"}),
	})
	assert.Empty(t, ds)
}

func TestFailedMutationIsNotVerified(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	obs := failed("click", map[string]interface{}{"selector": "#a"}, "boom")
	obs.Kind = tools.KindMutating
	assert.Empty(t, p.Observe([]Observation{obs}))
}

func TestNotStartedCallsAreIgnored(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	obs := failed("click", nil, "cancelled before start")
	obs.Result.NotStarted = true
	for i := 0; i < 4; i++ {
		assert.Empty(t, p.Observe([]Observation{obs}))
	}
	assert.Empty(t, p.Failures())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RepeatThreshold: 7}.withDefaults()
	assert.Equal(t, 7, cfg.Window)
	assert.Equal(t, 2, cfg.FailureStreak)
	assert.Equal(t, "scroll", cfg.ProbeTool)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorClass
	}{
		{"tool not found: foo", ClassNotFound},
		{"timed out after 30s", ClassTimeout},
		{"dial tcp: lookup api: no such host", ClassNetwork},
		{"HTTP 429 rate limit exceeded", ClassRateLimit},
		{"403 Forbidden", ClassPermission},
		{`unknown parameter "x"`, ClassInvalidArguments},
		{"something odd", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := Classify(tt.msg); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}

	assert.Equal(t, ClassTimeout, ClassifyResult(tools.Result{Error: "x", ErrorType: tools.ErrKindTimeout}))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a  b\n"), Fingerprint("a b"))
	assert.NotEqual(t, Fingerprint("a b"), Fingerprint("a c"))
}

func TestSyntheticCallsDoNotCountAsRepeats(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	args := map[string]interface{}{"url": "https://shop"}

	p.Observe([]Observation{ok("fetch_page", tools.KindObserving, args, map[string]interface{}{"fingerprint": "1"})})
	verify := ok("fetch_page", tools.KindObserving, args, map[string]interface{}{"fingerprint": "2"})
	verify.Synthetic = true
	p.Observe([]Observation{verify})

	ds := p.Observe([]Observation{ok("fetch_page", tools.KindObserving, args, map[string]interface{}{"fingerprint": "3"})})
	assert.Empty(t, ds)

	probe := ok("scroll", tools.KindMutating, map[string]interface{}{"direction": "down"}, "scrolled")
	probe.Synthetic = true
	assert.Empty(t, p.Observe([]Observation{probe}))
}
