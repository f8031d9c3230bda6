package schema

// Audit event types appended on every run and step transition.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepReused    = "step_reused"

	EventThreadStarted  = "thread_started"
	EventThreadFinished = "thread_finished"
)

// RunStatus is the lifecycle state of a FlowRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus is the lifecycle state of a StepRun.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ThreadStatus is the lifecycle state of a ConversationThread.
type ThreadStatus string

const (
	ThreadStatusActive       ThreadStatus = "active"
	ThreadStatusCompleted    ThreadStatus = "completed"
	ThreadStatusGoalAchieved ThreadStatus = "goal_achieved"
	ThreadStatusTimeout      ThreadStatus = "timeout"
)

// Terminal reports whether the thread has finished.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case ThreadStatusCompleted, ThreadStatusGoalAchieved, ThreadStatusTimeout:
		return true
	}
	return false
}

// Output status values handlers put under the "status" key.
const (
	OutputCompleted = "completed"
	OutputFailed    = "failed"
	OutputError     = "error"
	OutputTimeout   = "timeout"
	OutputStarted   = "started"
	OutputSent      = "sent"
)

// OutputSucceeded reports whether a handler output counts as success.
func OutputSucceeded(out map[string]any) bool {
	st, _ := out["status"].(string)
	switch st {
	case OutputFailed, OutputError, OutputTimeout:
		return false
	}
	return true
}
