package web

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/metrics"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrRunNotFound is returned when cancelling a run that is not active.
var ErrRunNotFound = errors.New("run not found")

var validate = validator.New()

// LoopFactory builds the loop for a run request. approve must be used as
// the loop's approval callback so requests reach web clients.
type LoopFactory func(req StartRequest, approve approval.Decider) (*agent.Loop, error)

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// RunManager starts, tracks and cancels runs on behalf of web clients.
type RunManager struct {
	factory LoopFactory
	hub     *Hub
	pending *approval.Pending
	store   *store.Store
	metrics *metrics.Metrics

	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

// NewRunManager creates a manager. st and m may be nil.
func NewRunManager(factory LoopFactory, hub *Hub, st *store.Store, m *metrics.Metrics) *RunManager {
	base, cancel := context.WithCancel(context.Background())
	rm := &RunManager{
		factory: factory,
		hub:     hub,
		store:   st,
		metrics: m,
		base:    base,
		cancel:  cancel,
		runs:    make(map[string]*activeRun),
	}
	rm.pending = approval.NewPending(hub.NotifyApproval)
	return rm
}

// Pending returns the approval broker shared by all runs.
func (m *RunManager) Pending() *approval.Pending {
	return m.pending
}

// Start validates req and launches a run in the background.
func (m *RunManager) Start(req StartRequest) (RunInfo, error) {
	if err := validate.Struct(req); err != nil {
		return RunInfo{}, fmt.Errorf("invalid run request: %w", err)
	}

	id := uuid.NewString()
	loop, err := m.factory(req, m.pending.DeciderFor(id))
	if err != nil {
		return RunInfo{}, fmt.Errorf("failed to create loop: %w", err)
	}
	// Runs share the loop value, not the options
	runLoop := *loop
	runLoop.Options.ConversationID = id

	ctx, cancel := context.WithCancel(m.base)
	run := &activeRun{
		info: RunInfo{
			ID:        id,
			Profile:   req.Profile,
			Prompt:    req.Prompt,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[id] = run
	m.mu.Unlock()

	m.hub.Broadcast(&WebMessage{Type: MessageTypeRunStarted, RunID: id, Prompt: req.Prompt, Profile: req.Profile})

	m.wg.Add(1)
	go m.execute(ctx, run, &runLoop, req)
	return run.info, nil
}

func (m *RunManager) execute(ctx context.Context, run *activeRun, loop *agent.Loop, req StartRequest) {
	defer m.wg.Done()
	defer close(run.done)
	defer run.cancel()

	log := logger.Global().ForRun(run.info.ID)
	log.Info("web run started (profile=%q)", req.Profile)

	var sink events.Sink = m.hub
	if m.metrics != nil {
		m.metrics.RunStarted()
		defer m.metrics.RunFinished()
		sink = events.Multi(m.hub, m.metrics)
	}

	out := loop.Run(ctx, []*llm.Message{llm.NewMessage(llm.RoleUser, req.Prompt)}, sink)
	log.Info("web run finished: %s (%s)", out.Status, out.Termination)

	if m.store != nil && out.Report != nil {
		if err := m.store.Save(out.Report); err != nil {
			log.Error("failed to save report: %v", err)
		}
	}

	m.mu.Lock()
	delete(m.runs, run.info.ID)
	m.mu.Unlock()

	msg := &WebMessage{Type: MessageTypeRunFinished, RunID: run.info.ID, Report: out.Report}
	if out.Err != nil {
		msg.Error = out.Err.Error()
	}
	m.hub.Broadcast(msg)
}

// Cancel stops an active run. The run finishes with status stopped.
func (m *RunManager) Cancel(id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	run.cancel()
	return nil
}

// Wait blocks until the run has finished or ctx is done.
func (m *RunManager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the runs in flight, oldest first.
func (m *RunManager) Active() []RunInfo {
	m.mu.Lock()
	out := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown cancels every run and waits for them to finish.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
