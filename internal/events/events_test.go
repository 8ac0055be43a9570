package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterStampsAndOrders(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, "conv-1")

	require.NoError(t, em.Emit(1, Event{Type: TypeModelDelta, Delta: "he"}))
	require.NoError(t, em.Emit(1, Event{Type: TypeModelDelta, Delta: "llo"}))
	require.NoError(t, em.Emit(1, Event{Type: TypeCompletion, Completion: &Completion{Status: "success"}}))

	got := rec.Events()
	require.Len(t, got, 3)
	ids := map[string]bool{}
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "conv-1", ev.ConversationID)
		assert.Equal(t, 1, ev.Iteration)
		assert.False(t, ev.Time.IsZero())
		assert.False(t, ids[ev.ID], "duplicate event ID")
		ids[ev.ID] = true
	}
	assert.Equal(t, int64(3), em.Seq())
}

func TestEmitterStopsAfterTerminalEvent(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, "c")
	require.NoError(t, em.Emit(0, Event{Type: TypeError, Error: &Error{Kind: "model_error"}}))
	require.NoError(t, em.Emit(0, Event{Type: TypeCompletion}))
	assert.Equal(t, []Type{TypeError}, rec.Types())
}

func TestEmitterSurvivesBrokenSinks(t *testing.T) {
	em := NewEmitter(SinkFunc(func(Event) error { panic("boom") }), "c")
	assert.Error(t, em.Emit(0, Event{Type: TypeModelDelta}))

	em = NewEmitter(SinkFunc(func(Event) error { return errors.New("gone") }), "c")
	assert.EqualError(t, em.Emit(0, Event{Type: TypeModelDelta}), "gone")
	assert.Equal(t, 1, em.Failures())

	assert.NoError(t, NewEmitter(nil, "c").Emit(0, Event{Type: TypeModelDelta}))
}

func TestMultiDeliversToAll(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	failing := SinkFunc(func(Event) error { return errors.New("down") })

	err := Multi(a, failing, nil, b).Emit(Event{Type: TypeToolResult})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestChannelSink(t *testing.T) {
	ch := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewChannelSink(ctx, ch)

	require.NoError(t, sink.Emit(Event{Type: TypeModelDelta, Seq: 1}))
	assert.Equal(t, int64(1), (<-ch).Seq)

	require.NoError(t, sink.Emit(Event{Type: TypeModelDelta, Seq: 2}))
	cancel()
	// Buffer is full and nobody reads: the send gives up with the context.
	assert.ErrorIs(t, sink.Emit(Event{Type: TypeModelDelta, Seq: 3}), context.Canceled)
}

func TestEventJSON(t *testing.T) {
	ev := Event{
		ID:   "e1",
		Seq:  4,
		Type: TypeRecoveryAction,
		Recovery: &Recovery{
			Kind:    "guidance",
			Reason:  "click failed 2 times in a row",
			Message: "try a broader query",
		},
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"recoveryAction"`)
	assert.NotContains(t, string(data), "tool_result")

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.Recovery, back.Recovery)
	assert.True(t, TypeCompletion.Terminal())
	assert.False(t, TypeToolResult.Terminal())
}
