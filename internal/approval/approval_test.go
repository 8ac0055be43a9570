package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calls(names ...string) []llm.ToolCallRequest {
	out := make([]llm.ToolCallRequest, 0, len(names))
	for _, n := range names {
		out = append(out, llm.ToolCallRequest{Name: n})
	}
	return out
}

func TestGateRequired(t *testing.T) {
	always := func(ctx context.Context, c []llm.ToolCallRequest) (bool, error) { return true, nil }

	tests := []struct {
		name   string
		cb     Callback
		policy Policy
		calls  []llm.ToolCallRequest
		want   bool
	}{
		{"no callback", nil, Policy{AllSensitive: true}, calls("click"), false},
		{"no calls", always, Policy{AllSensitive: true}, nil, false},
		{"all sensitive", always, Policy{AllSensitive: true}, calls("search"), true},
		{"mutating by default", always, Policy{}, calls("search", "click"), true},
		{"observing by default", always, Policy{}, calls("search", "fetch_page"), false},
		{"glob", always, Policy{Sensitive: []string{"mcp_shop_*"}}, calls("mcp_shop_additem"), true},
		{"glob miss", always, Policy{Sensitive: []string{"mcp_shop_*"}}, calls("click"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.cb, tt.policy)
			if got := g.Required(tt.calls); got != tt.want {
				t.Errorf("Required() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateDecide(t *testing.T) {
	ctx := context.Background()

	d, err := NewGate(nil, Policy{}).Decide(ctx, Request{Calls: calls("click")})
	require.NoError(t, err)
	assert.True(t, d.Approved)

	reject := NewGate(func(ctx context.Context, c []llm.ToolCallRequest) (bool, error) { return false, nil }, Policy{})
	d, err = reject.Decide(ctx, Request{Calls: calls("click", "type")})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "rejected by user: click, type", d.Reason)

	broken := NewGate(func(ctx context.Context, c []llm.ToolCallRequest) (bool, error) {
		return false, errors.New("tty closed")
	}, Policy{})
	_, err = broken.Decide(ctx, Request{Calls: calls("click")})
	assert.ErrorContains(t, err, "tty closed")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	blocking := NewGate(func(ctx context.Context, c []llm.ToolCallRequest) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, Policy{})
	_, err = blocking.Decide(cancelled, Request{Calls: calls("click")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPendingResolve(t *testing.T) {
	requests := make(chan Request, 1)
	p := NewPending(func(r Request) { requests <- r })

	type answer struct {
		d   Decision
		err error
	}
	done := make(chan answer, 1)
	go func() {
		d, err := p.Request(context.Background(), calls("click"))
		done <- answer{d, err}
	}()

	var req Request
	select {
	case req = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("no approval request was published")
	}
	assert.NotEmpty(t, req.ID)
	assert.Len(t, p.List(), 1)

	require.NoError(t, p.Resolve(req.ID, true, "looks fine"))
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, Decision{Approved: true, Reason: "looks fine"}, got.d)

	assert.Empty(t, p.List())
	assert.Error(t, p.Resolve(req.ID, true, ""))
}

func TestPendingDeciderKeepsIDAndReason(t *testing.T) {
	requests := make(chan Request, 1)
	p := NewPending(func(r Request) { requests <- r })
	gate := NewDeciderGate(p.DeciderFor("run-7"), Policy{AllSensitive: true})

	done := make(chan Decision, 1)
	go func() {
		d, err := gate.Decide(context.Background(), Request{ID: "req-1", Calls: calls("click")})
		assert.NoError(t, err)
		done <- d
	}()

	req := <-requests
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "run-7", req.RunID)
	require.NoError(t, p.Resolve("req-1", false, "wrong product"))

	select {
	case d := <-done:
		assert.Equal(t, Decision{Approved: false, Reason: "wrong product"}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("decision not delivered")
	}
}

func TestPendingRejectsDuplicateID(t *testing.T) {
	requests := make(chan Request, 1)
	p := NewPending(func(r Request) { requests <- r })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.ask(ctx, Request{ID: "same", Calls: calls("click")}) }()
	<-requests

	_, err := p.ask(ctx, Request{ID: "same", Calls: calls("type")})
	assert.ErrorContains(t, err, "already pending")
	assert.Len(t, p.List(), 1)
}

func TestPendingCancel(t *testing.T) {
	requests := make(chan Request, 1)
	p := NewPending(func(r Request) { requests <- r })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	decide := p.DeciderFor("run-1")
	go func() {
		_, err := decide(ctx, Request{Calls: calls("navigate")})
		done <- err
	}()

	req := <-requests
	assert.Equal(t, "run-1", req.RunID)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled approval did not return")
	}
	assert.Empty(t, p.List())
}
