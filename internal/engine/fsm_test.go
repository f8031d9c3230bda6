package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- RunFSM ---

func TestRunFSM_ValidTransitions(t *testing.T) {
	for _, terminal := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed} {
		app := &mockAppender{}
		fsm := NewRunFSM(app)
		ctx := context.Background()

		require.NoError(t, fsm.Transition(ctx, "run-1", statusNone, schema.RunStatusRunning, map[string]any{"depth": 0}))
		require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, terminal, nil))

		events := app.Events()
		require.Len(t, events, 2)
		assert.Equal(t, schema.EventRunStarted, events[0].Type)
		assert.Equal(t, "run-1", events[0].FlowRunID)
		assert.JSONEq(t, `{"depth":0}`, string(events[0].Payload))
		assert.Nil(t, events[1].Payload)
	}
	assert.Equal(t, schema.EventRunCompleted, runEventType(schema.RunStatusCompleted))
	assert.Equal(t, schema.EventRunFailed, runEventType(schema.RunStatusFailed))
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	cases := []struct{ from, to schema.RunStatus }{
		{statusNone, schema.RunStatusCompleted},
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusCompleted},
		{schema.RunStatusRunning, schema.RunStatusRunning},
	}
	for _, c := range cases {
		err := fsm.Transition(ctx, "run-1", c.from, c.to, nil)
		require.Error(t, err, "%q -> %q", c.from, c.to)

		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	}
	assert.Empty(t, app.Events())
}

func TestRunFSM_AppendFailure(t *testing.T) {
	fsm := NewRunFSM(&failAppender{})
	err := fsm.Transition(context.Background(), "run-1", statusNone, schema.RunStatusRunning, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "store unavailable")
}

// --- StepFSM ---

func TestStepFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	steps := []struct{ from, to schema.StepStatus }{
		{statusNone, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusFailed},
		{schema.StepStatusFailed, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusCompleted},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "run-1", "s1", s.from, s.to, map[string]any{"retry_count": 1}))
	}
	require.NoError(t, fsm.Transition(ctx, "run-1", "s2", statusNone, schema.StepStatusSkipped, nil))

	events := app.Events()
	require.Len(t, events, 6)
	want := []string{
		schema.EventStepStarted, schema.EventStepFailed, schema.EventStepStarted,
		schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepSkipped,
	}
	for i, ev := range events {
		assert.Equal(t, want[i], ev.Type)
	}
	assert.Equal(t, "s1", events[0].StepID)
	assert.Equal(t, "s2", events[5].StepID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.EqualValues(t, 1, payload["retry_count"])
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct{ from, to schema.StepStatus }{
		{statusNone, schema.StepStatusCompleted},
		{statusNone, schema.StepStatusFailed},
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusCompleted},
	}
	for _, c := range cases {
		err := fsm.Transition(ctx, "run-1", "s1", c.from, c.to, nil)
		require.Error(t, err, "%q -> %q", c.from, c.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	}
}

func TestStepFSM_NilAppender(t *testing.T) {
	fsm := NewStepFSM(nil)
	assert.NoError(t, fsm.Transition(context.Background(), "run-1", "s1", statusNone, schema.StepStatusRunning, nil))
}
