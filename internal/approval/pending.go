package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/google/uuid"
)

// Request is one outstanding approval request.
type Request struct {
	ID        string                `json:"id"`
	RunID     string                `json:"run_id,omitempty"`
	Calls     []llm.ToolCallRequest `json:"calls"`
	CreatedAt time.Time             `json:"created_at"`
}

type pendingRequest struct {
	req      Request
	response chan Decision
}

// Pending brokers approval requests between running loops and whoever
// answers them (a websocket client, a terminal prompt). Waiting has no
// timeout; it ends on Resolve or when the requester's context is done.
type Pending struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	notify   func(Request)
}

// NewPending creates a broker. notify, if set, is called for every new
// request outside the broker's lock.
func NewPending(notify func(Request)) *Pending {
	return &Pending{
		requests: make(map[string]*pendingRequest),
		notify:   notify,
	}
}

// SetNotifier replaces the notification function.
func (p *Pending) SetNotifier(notify func(Request)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = notify
}

// Request registers calls for approval and blocks until they are resolved.
func (p *Pending) Request(ctx context.Context, calls []llm.ToolCallRequest) (Decision, error) {
	return p.ask(ctx, Request{Calls: calls})
}

// DeciderFor adapts the broker into a Decider tagging requests with runID.
// The broker keeps the ID of the incoming request, so answers address the
// same ID the requester announced.
func (p *Pending) DeciderFor(runID string) Decider {
	return func(ctx context.Context, req Request) (Decision, error) {
		req.RunID = runID
		return p.ask(ctx, req)
	}
}

func (p *Pending) ask(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	pr := &pendingRequest{req: req, response: make(chan Decision, 1)}

	p.mu.Lock()
	if _, dup := p.requests[req.ID]; dup {
		p.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %s is already pending", req.ID)
	}
	p.requests[req.ID] = pr
	notify := p.notify
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.requests, pr.req.ID)
		p.mu.Unlock()
	}()

	logger.Debug("approval request %s for %s", pr.req.ID, Describe(req.Calls))
	if notify != nil {
		notify(pr.req)
	}

	select {
	case decision := <-pr.response:
		logger.Debug("approval request %s resolved: %v", pr.req.ID, decision.Approved)
		return decision, nil
	case <-ctx.Done():
		logger.Debug("approval request %s cancelled", pr.req.ID)
		return Decision{}, ctx.Err()
	}
}

// Resolve answers the request with the given ID.
func (p *Pending) Resolve(id string, approved bool, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, ok := p.requests[id]
	if !ok {
		return fmt.Errorf("no pending approval with ID %s", id)
	}
	select {
	case pr.response <- Decision{Approved: approved, Reason: reason}:
	default:
		return fmt.Errorf("approval %s already resolved", id)
	}
	return nil
}

// List returns the outstanding requests, oldest first.
func (p *Pending) List() []Request {
	p.mu.Lock()
	out := make([]Request, 0, len(p.requests))
	for _, pr := range p.requests {
		out = append(out, pr.req)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
