package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
	"github.com/google/uuid"
)

// Sink consumes events in emission order.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(ev Event) error {
	return f(ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// ChannelSink pushes events onto a channel. Sends block until the consumer
// receives or ctx is done, so a slow consumer throttles the producer.
type ChannelSink struct {
	ctx context.Context
	ch  chan<- Event
}

// NewChannelSink creates a sink writing to ch.
func NewChannelSink(ctx context.Context, ch chan<- Event) *ChannelSink {
	return &ChannelSink{ctx: ctx, ch: ch}
}

func (s *ChannelSink) Emit(ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

type multiSink []Sink

// Multi fans every event out to all sinks in order. Every sink sees the
// event even if an earlier one fails; the errors are joined.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Emitter stamps events of one run with IDs, sequence numbers and the
// conversation ID before handing them to a sink. It is owned by a single
// loop and not safe for concurrent use.
type Emitter struct {
	sink           Sink
	conversationID string
	seq            int64
	closed         bool
	failures       int
}

// NewEmitter creates an emitter. A nil sink discards events.
func NewEmitter(sink Sink, conversationID string) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink, conversationID: conversationID}
}

// Emit stamps and delivers ev. Nothing is emitted after a terminal event.
// Sink errors are logged and returned; the run carries on either way.
func (e *Emitter) Emit(iteration int, ev Event) error {
	if e.closed {
		logger.Warn("events: dropping %s after terminal event", ev.Type)
		return nil
	}
	e.seq++
	ev.ID = uuid.NewString()
	ev.Seq = e.seq
	ev.ConversationID = e.conversationID
	ev.Iteration = iteration
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type.Terminal() {
		e.closed = true
	}

	if err := e.safeEmit(ev); err != nil {
		e.failures++
		logger.Debug("events: sink rejected %s #%d: %v", ev.Type, ev.Seq, err)
		return err
	}
	return nil
}

// safeEmit keeps a panicking sink from taking down the loop.
func (e *Emitter) safeEmit(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("events: sink panicked on %s: %v", ev.Type, r)
			err = errors.New("event sink panicked")
		}
	}()
	return e.sink.Emit(ev)
}

// Seq returns the sequence number of the last emitted event.
func (e *Emitter) Seq() int64 {
	return e.seq
}

// Failures returns how many events a sink rejected.
func (e *Emitter) Failures() int {
	return e.failures
}
