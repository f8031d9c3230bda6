package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. Every read and write goes through a
// JSON copy, so callers never share rows with the store or with each other.
type MemoryStore struct {
	mu        sync.Mutex
	defs      map[string]*schema.WorkflowDefinition
	runs      map[string]*FlowRun
	stepRuns  map[string]*StepRun // id -> row
	stepByKey map[string]string   // idempotency key -> id
	threads   map[string]*ConversationThread
	events    map[string][]*Event
	jobs      map[string]*ScheduledJob
	nextEvent int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:      make(map[string]*schema.WorkflowDefinition),
		runs:      make(map[string]*FlowRun),
		stepRuns:  make(map[string]*StepRun),
		stepByKey: make(map[string]string),
		threads:   make(map[string]*ConversationThread),
		events:    make(map[string][]*Event),
		jobs:      make(map[string]*ScheduledJob),
	}
}

func clone[T any](v *T) *T {
	out, err := tryClone(v)
	if err != nil {
		panic(err)
	}
	return out
}

// tryClone is clone for values that come from handlers and may not be
// JSON-encodable.
func tryClone[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.defs[def.ID]; ok {
		def.CreatedAt = prev.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	m.defs[def.ID] = clone(def)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	return clone(def), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, def := range m.defs {
		if filter.TenantID != "" && def.TenantID != filter.TenantID {
			continue
		}
		if filter.ExecutionMethod != "" && def.ExecutionMethod != filter.ExecutionMethod {
			continue
		}
		out = append(out, clone(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return storeNotFound("definition", id)
	}
	delete(m.defs, id)
	return nil
}

// --- Flow runs ---

func (m *MemoryStore) CreateFlowRun(_ context.Context, run *FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return storeConflict("flow run", run.ID)
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	run.UpdatedAt = run.StartedAt
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *MemoryStore) GetFlowRun(_ context.Context, id string) (*FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("flow run", id)
	}
	return clone(run), nil
}

func (m *MemoryStore) UpdateFlowRun(_ context.Context, id string, update FlowRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("flow run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CompletedSteps != nil {
		run.CompletedSteps = *update.CompletedSteps
	}
	if update.FailedSteps != nil {
		run.FailedSteps = *update.FailedSteps
	}
	if update.Report != nil {
		run.Report = clone(update.Report)
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListFlowRuns(_ context.Context, filter FlowRunFilter) ([]*FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FlowRun
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, clone(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step runs ---

func (m *MemoryStore) CreateStepRun(_ context.Context, sr *StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stepByKey[sr.IdempotencyKey]; ok {
		return storeConflict("step run", sr.IdempotencyKey)
	}
	sr.StartedAt = timeOrNow(sr.StartedAt)
	cp, err := tryClone(sr)
	if err != nil {
		return fmt.Errorf("marshal step run: %w", err)
	}
	m.stepRuns[sr.ID] = cp
	m.stepByKey[sr.IdempotencyKey] = sr.ID
	return nil
}

func (m *MemoryStore) GetStepRunByKey(_ context.Context, key string) (*StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.stepByKey[key]
	if !ok {
		return nil, storeNotFound("step run", key)
	}
	return clone(m.stepRuns[id]), nil
}

func (m *MemoryStore) UpdateStepRun(_ context.Context, id string, update StepRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.stepRuns[id]
	if !ok {
		return storeNotFound("step run", id)
	}
	if update.ExpectStatus != nil && sr.Status != *update.ExpectStatus {
		return storeStale("step run", id, *update.ExpectStatus)
	}
	var input, output *map[string]any
	if update.Input != nil {
		cp, err := tryClone(&update.Input)
		if err != nil {
			return fmt.Errorf("marshal input: %w", err)
		}
		input = cp
	}
	if update.Output != nil {
		cp, err := tryClone(&update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = cp
	}
	if update.Status != nil {
		sr.Status = *update.Status
	}
	if input != nil {
		sr.Input = *input
	}
	if output != nil {
		sr.Output = *output
	}
	if update.Error != nil {
		sr.Error = *update.Error
	}
	if update.DurationMS != nil {
		sr.DurationMS = *update.DurationMS
	}
	if update.Usage != nil {
		sr.Usage = clone(update.Usage)
	}
	if update.StartedAt != nil {
		sr.StartedAt = *update.StartedAt
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		sr.CompletedAt = &t
	} else if update.ClearCompletedAt {
		sr.CompletedAt = nil
	}
	return nil
}

func (m *MemoryStore) ListStepRuns(_ context.Context, flowRunID string) ([]*StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StepRun
	for _, sr := range m.stepRuns {
		if sr.FlowRunID == flowRunID {
			out = append(out, clone(sr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].RetryCount < out[j].RetryCount
	})
	return out, nil
}

// --- Conversation threads ---

func (m *MemoryStore) CreateThread(_ context.Context, th *ConversationThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[th.ID]; ok {
		return storeConflict("conversation thread", th.ID)
	}
	if th.Messages == nil {
		th.Messages = []ThreadMessage{}
	}
	th.CreatedAt = timeOrNow(th.CreatedAt)
	th.UpdatedAt = th.CreatedAt
	m.threads[th.ID] = clone(th)
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (*ConversationThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return nil, storeNotFound("conversation thread", id)
	}
	return clone(th), nil
}

func (m *MemoryStore) UpdateThread(_ context.Context, id string, update ThreadUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return storeNotFound("conversation thread", id)
	}
	if update.Status != nil {
		th.Status = *update.Status
	}
	if update.Context != nil {
		th.Context = *clone(&update.Context)
	}
	if update.StepRunID != nil {
		th.StepRunID = *update.StepRunID
	}
	th.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendThreadMessage(_ context.Context, id string, msg ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return storeNotFound("conversation thread", id)
	}
	msg.At = timeOrNow(msg.At)
	th.Messages = append(th.Messages, msg)
	if msg.Role == RoleUser {
		th.CurrentTurn++
	}
	th.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.FlowRunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	m.events[event.FlowRunID] = append(m.events[event.FlowRunID], clone(event))
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, flowRunID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[flowRunID] {
		if e.Sequence > since {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// --- Scheduled jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return storeConflict("scheduled job", job.ID)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return clone(job), nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		job.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		job.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && job.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, clone(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}
