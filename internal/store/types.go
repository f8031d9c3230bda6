package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// FlowRun is one execution of a WorkflowDefinition.
type FlowRun struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	WorkflowName   string            `json:"workflow_name,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	ParentRunID    string            `json:"parent_run_id,omitempty"`
	Depth          int               `json:"depth"`
	Status         schema.RunStatus  `json:"status"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	FailedSteps    int               `json:"failed_steps"`
	TriggerContext map[string]any    `json:"trigger_context,omitempty"`
	InitiatedBy    string            `json:"initiated_by,omitempty"`
	TriggerSource  string            `json:"trigger_source,omitempty"`
	Report         *schema.RunReport `json:"report,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StepRun is one attempt of one step within a FlowRun.
type StepRun struct {
	ID             string            `json:"id"`
	FlowRunID      string            `json:"flow_run_id"`
	StepID         string            `json:"step_id"`
	Position       int               `json:"position"`
	StepType       schema.StepType   `json:"step_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	RetryCount     int               `json:"retry_count"`
	Status         schema.StepStatus `json:"status"`
	Input          map[string]any    `json:"input,omitempty"`
	Output         map[string]any    `json:"output,omitempty"`
	Error          string            `json:"error,omitempty"`
	DurationMS     int64             `json:"duration_ms"`
	Usage          *schema.Usage     `json:"usage,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Transcript roles.
const (
	RoleAgent = "agent"
	RoleUser  = "user"
)

// ThreadMessage is one entry of a conversation transcript.
type ThreadMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ConversationThread is the persistent state of a multi-turn step.
type ConversationThread struct {
	ID          string              `json:"id"`
	FlowRunID   string              `json:"flow_run_id"`
	StepRunID   string              `json:"step_run_id,omitempty"`
	StepID      string              `json:"step_id"`
	Recipient   string              `json:"recipient"`
	Goal        string              `json:"goal,omitempty"`
	Status      schema.ThreadStatus `json:"status"`
	CurrentTurn int                 `json:"current_turn"`
	MaxTurns    int                 `json:"max_turns"`
	Messages    []ThreadMessage     `json:"messages"`
	Context     map[string]any      `json:"context,omitempty"`
	TimeoutAt   time.Time           `json:"timeout_at"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Event is an append-only audit record of a run or step transition.
type Event struct {
	ID        int64           `json:"id"`
	FlowRunID string          `json:"flow_run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob triggers a workflow on a cron expression or once at RunAt.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	TriggerContext json.RawMessage `json:"trigger_context,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Update and filter types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	TenantID        string                 `json:"tenant_id,omitempty"`
	ExecutionMethod schema.ExecutionMethod `json:"execution_method,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
}

// FlowRunUpdate specifies mutable fields of a flow run.
type FlowRunUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	CompletedSteps *int              `json:"completed_steps,omitempty"`
	FailedSteps    *int              `json:"failed_steps,omitempty"`
	Report         *schema.RunReport `json:"report,omitempty"`
	Error          *string           `json:"error,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// FlowRunFilter specifies criteria for listing flow runs.
type FlowRunFilter struct {
	WorkflowID  string            `json:"workflow_id,omitempty"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	Status      *schema.RunStatus `json:"status,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// StepRunUpdate specifies mutable fields of a step run.
type StepRunUpdate struct {
	// ExpectStatus makes the update conditional on the row's current status;
	// a mismatch fails with CONFLICT and changes nothing.
	ExpectStatus *schema.StepStatus `json:"-"`
	Status       *schema.StepStatus `json:"status,omitempty"`
	Input        map[string]any     `json:"input,omitempty"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        *string            `json:"error,omitempty"`
	DurationMS   *int64             `json:"duration_ms,omitempty"`
	Usage        *schema.Usage      `json:"usage,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	// ClearCompletedAt resets completed_at to NULL when a row is re-armed.
	ClearCompletedAt bool `json:"-"`
}

// ThreadUpdate specifies mutable fields of a conversation thread.
type ThreadUpdate struct {
	Status    *schema.ThreadStatus `json:"status,omitempty"`
	Context   map[string]any       `json:"context,omitempty"`
	StepRunID *string              `json:"step_run_id,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
