package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/codefionn/agentloop/internal/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clickCall = []llm.ToolCallRequest{{ID: "c1", Name: "click", Arguments: map[string]interface{}{"selector": "#buy"}}}

func TestTerminalApprover(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		input       string
		interactive bool
		autoApprove bool
		want        bool
	}{
		{"auto approve", "", false, true, true},
		{"no terminal rejects", "y\n", false, false, false},
		{"yes", "y\n", true, false, true},
		{"full yes", " YES \n", true, false, true},
		{"no", "n\n", true, false, false},
		{"empty answer rejects", "\n", true, false, false},
		{"eof rejects", "", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			a := newTerminalApprover(strings.NewReader(tt.input), &out, tt.interactive, tt.autoApprove)
			got, err := a.Approve(ctx, clickCall)
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("Approve() = %v, want %v", got, tt.want)
			}
			if tt.interactive && !tt.autoApprove {
				assert.Contains(t, out.String(), "click")
				assert.Contains(t, out.String(), "#buy")
			}
		})
	}
}

func TestTerminalApproverCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	a := newTerminalApprover(pr, io.Discard, true, false)
	ok, err := a.Approve(ctx, clickCall)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out}

	evs := []events.Event{
		{Type: events.TypeModelDelta, Delta: "Let me "},
		{Type: events.TypeModelDelta, Delta: "check."},
		{Type: events.TypeToolCallPlanned, ToolCall: &clickCall[0]},
		{Type: events.TypeToolResult, ToolResult: &tools.Result{ToolName: "click", Result: "ok", Duration: 12 * time.Millisecond}},
		{Type: events.TypeToolResult, ToolResult: &tools.Result{ToolName: "type", Error: "element not found"}},
		{Type: events.TypeRecoveryAction, Recovery: &events.Recovery{Kind: "guidance", Message: "try another selector"}},
		{Type: events.TypeModelDelta, Delta: "Done"},
		{Type: events.TypeCompletion, Completion: &events.Completion{Status: "success"}},
	}
	for _, ev := range evs {
		require.NoError(t, p.Emit(ev))
	}

	text := out.String()
	assert.Contains(t, text, "Let me check.\n")
	assert.Contains(t, text, "click")
	assert.Contains(t, text, "type: element not found")
	assert.Contains(t, text, "guidance: try another selector")
	assert.True(t, strings.HasSuffix(text, "Done\n"))
	assert.False(t, p.midLine)
}

func TestFormatArgs(t *testing.T) {
	assert.Equal(t, "", formatArgs(nil))
	assert.Equal(t, `{"q":"x"}`, formatArgs(map[string]interface{}{"q": "x"}))

	long := formatArgs(map[string]interface{}{"q": strings.Repeat("a", 500)})
	assert.Len(t, long, maxArgsWidth)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestRenderMarkdownUnstyled(t *testing.T) {
	assert.Equal(t, "# Title\n", renderMarkdown("# Title\n", 80, false))
	assert.Contains(t, renderMarkdown("# Title\n\nbody", 40, true), "body")
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"find", "the", "docs"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "find the docs", got)

	got, err = readPrompt(nil, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)
}

func TestLoopOptionsLayering(t *testing.T) {
	c := config.DefaultConfig()
	c.Agent.MaxIterations = 12
	c.Agent.WallClockSeconds = 60
	c.Context.MaxMessages = 30

	profiles := agent.BuiltinProfiles()

	chat := loopOptions(c, profiles["chat"])
	assert.Equal(t, 12, chat.MaxIterations)
	assert.Equal(t, time.Minute, chat.WallClock)
	assert.Equal(t, 30, chat.Budget.MaxMessages)
	assert.NotEmpty(t, chat.SystemPrompt)

	browser := loopOptions(c, profiles["browser"])
	assert.Equal(t, 40, browser.MaxIterations)
	assert.Equal(t, 2, browser.Recovery.StallThreshold)
}

func TestSelectProfile(t *testing.T) {
	profiles := agent.BuiltinProfiles()
	c := config.DefaultConfig()

	p, err := selectProfile(profiles, "", c)
	require.NoError(t, err)
	assert.Equal(t, "chat", p.Name)

	c.Agent.DefaultProfile = "research"
	p, err = selectProfile(profiles, "", c)
	require.NoError(t, err)
	assert.Equal(t, "research", p.Name)

	_, err = selectProfile(profiles, "missing", c)
	assert.ErrorContains(t, err, "browser, chat, research")
}

func TestApprovalPolicy(t *testing.T) {
	c := config.DefaultConfig()
	c.Approval.Sensitive = []string{"mcp_shop_*"}

	p := &agent.Profile{Name: "x"}
	assert.Equal(t, approval.Policy{Sensitive: []string{"mcp_shop_*"}}, approvalPolicy(c, p))

	p.Approval = approval.Policy{AllSensitive: true}
	assert.True(t, approvalPolicy(c, p).AllSensitive)
}

func TestAgentFactoryBuild(t *testing.T) {
	c := config.DefaultConfig()
	ts := &toolset{registry: tools.NewRegistry(), invoker: tools.NewInvoker(nil, tools.InvokerOptions{})}
	f := &agentFactory{tools: ts, cfg: c, profiles: agent.BuiltinProfiles()}

	loop, err := f.Build(web.StartRequest{Prompt: "x", Profile: "research"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, loop.Options.MaxIterations)
	assert.NotNil(t, loop.Gate)
	assert.NotNil(t, loop.Window)

	_, err = f.Build(web.StartRequest{Prompt: "x", Profile: "nope"}, nil)
	assert.Error(t, err)
}

func TestWriteTables(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeRecords(&out, nil))
	assert.Equal(t, "No reports.\n", out.String())

	out.Reset()
	require.NoError(t, writeRecords(&out, []store.Record{{ID: "r1", Status: "success", Iterations: 2, Summary: "done", CreatedAt: time.Now()}}))
	assert.Contains(t, out.String(), "r1")
	assert.Contains(t, out.String(), "success")

	out.Reset()
	require.NoError(t, writeToolTotals(&out, []store.ToolTotal{{Name: "search", Runs: 2, Calls: 3, Failures: 1, FailureRate: 33.33}}))
	assert.Contains(t, out.String(), "33.3%")

	out.Reset()
	require.NoError(t, writeTools(&out, []llm.ToolSchema{{Name: "wait", Description: "Pause.\nMore"}}))
	assert.Contains(t, out.String(), "Pause.")
	assert.NotContains(t, out.String(), "More")

	out.Reset()
	require.NoError(t, writeProfiles(&out, agent.BuiltinProfiles()))
	assert.Contains(t, out.String(), "browser")
}
