package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// EventAppender is satisfied by store.Store; FSMs emit audit events through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// statusNone is the state of a run or step row that does not exist yet.
const statusNone = ""

// ValidRunTransitions defines the allowed FlowRun transitions. A run moves
// from running to a terminal state exactly once.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	statusNone:                {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed StepRun transitions. A running or
// failed row may be re-armed to running when its idempotency key is replayed.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	statusNone:                 {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRunning},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
	schema.StepStatusCompleted: {},
	schema.StepStatusSkipped:   {},
}

// RunFSM validates FlowRun transitions and appends the matching event.
// The caller persists the new state.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates from -> to and emits the corresponding event with payload.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	if !allowed(ValidRunTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %q -> %q", from, to).
			WithDetails(map[string]any{"flow_run_id": runID, "from": string(from), "to": string(to)})
	}
	return emit(ctx, f.appender, runID, "", runEventType(to), payload)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	}
	return ""
}

// StepFSM validates StepRun transitions and appends the matching event.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates from -> to for stepID and emits the corresponding event.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	if !allowed(ValidStepTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %q -> %q", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"flow_run_id": runID, "from": string(from), "to": string(to)})
	}
	return emit(ctx, f.appender, runID, stepID, stepEventType(to), payload)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	}
	return ""
}

func allowed[S ~string](table map[S][]S, from, to S) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

func emit(ctx context.Context, appender EventAppender, runID, stepID, eventType string, payload map[string]any) error {
	if eventType == "" || appender == nil {
		return nil
	}
	ev := &store.Event{FlowRunID: runID, StepID: stepID, Type: eventType}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		ev.Payload = raw
	}
	if err := appender.AppendEvent(ctx, ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", eventType, err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}
