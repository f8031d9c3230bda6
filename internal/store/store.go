package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Store defines the persistence layer contract.
// Every single-row write is atomic; implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Flow runs
	CreateFlowRun(ctx context.Context, run *FlowRun) error
	GetFlowRun(ctx context.Context, id string) (*FlowRun, error)
	UpdateFlowRun(ctx context.Context, id string, update FlowRunUpdate) error
	ListFlowRuns(ctx context.Context, filter FlowRunFilter) ([]*FlowRun, error)

	// Step runs. CreateStepRun fails with CONFLICT when the idempotency key exists.
	CreateStepRun(ctx context.Context, sr *StepRun) error
	GetStepRunByKey(ctx context.Context, key string) (*StepRun, error)
	UpdateStepRun(ctx context.Context, id string, update StepRunUpdate) error
	ListStepRuns(ctx context.Context, flowRunID string) ([]*StepRun, error)

	// Conversation threads
	CreateThread(ctx context.Context, th *ConversationThread) error
	GetThread(ctx context.Context, id string) (*ConversationThread, error)
	UpdateThread(ctx context.Context, id string, update ThreadUpdate) error
	AppendThreadMessage(ctx context.Context, id string, msg ThreadMessage) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, flowRunID string, since int64) ([]*Event, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, key string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, key)
}

func storeStale(resource, id string, want schema.StepStatus) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q is no longer %s", resource, id, want)
}
