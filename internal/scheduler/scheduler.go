package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Job run statuses recorded on a ScheduledJob.
const (
	StatusDispatched = "dispatched"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// DefaultTick is how often the scheduler looks for due jobs.
const DefaultTick = 60 * time.Second

// Runner starts flow runs in the background. Satisfied by engine.Dispatcher.
type Runner interface {
	Submit(ctx context.Context, workflowID string, trigger schema.Trigger, done engine.RunCallback) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithTick sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Scheduler polls the store for due jobs and hands them to a Runner.
// Recurring definitions get a cron job, scheduled ones a one-shot job.
type Scheduler struct {
	store     store.Store
	runner    Runner
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time
	tickEvery time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs with a run in progress
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, runner Runner, opts ...Option) *Scheduler {
	sc := &Scheduler{
		store:     s,
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    slog.Default(),
		now:       time.Now,
		tickEvery: DefaultTick,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// JobID is the scheduled job ID owned by a definition.
func JobID(workflowID string) string { return "wf:" + workflowID }

// ScheduleDefinition creates or replaces the job of def according to its
// execution method. Immediate definitions lose any job they had; the
// returned job is nil for them.
func (s *Scheduler) ScheduleDefinition(ctx context.Context, def *schema.WorkflowDefinition) (*store.ScheduledJob, error) {
	id := JobID(def.ID)
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil && !schema.IsNotFound(err) {
		return nil, fmt.Errorf("remove previous job %q: %w", id, err)
	}

	now := s.now().UTC()
	job := &store.ScheduledJob{ID: id, WorkflowID: def.ID, Enabled: true, CreatedAt: now}
	switch def.ExecutionMethod {
	case schema.ExecutionRecurring:
		next, err := s.CalculateNextRun(def.RecurrenceRule, now)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s: %s", def.ID, err.Error()).WithCause(err)
		}
		job.CronExpression = def.RecurrenceRule
		job.NextRunAt = &next
	case schema.ExecutionScheduled:
		if def.ScheduledAt == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is scheduled but has no scheduled_at", def.ID)
		}
		at := def.ScheduledAt.UTC()
		job.RunAt = &at
		job.NextRunAt = &at
	default:
		return nil, nil
	}

	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job %q: %w", id, err)
	}
	s.logger.InfoContext(ctx, "workflow scheduled",
		slog.String("workflow_id", def.ID),
		slog.String("method", string(def.ExecutionMethod)),
		slog.Time("next_run_at", *job.NextRunAt))
	return job, nil
}

// SyncDefinitions schedules every recurring and scheduled definition in the
// store and returns how many jobs exist afterwards.
func (s *Scheduler) SyncDefinitions(ctx context.Context) (int, error) {
	count := 0
	for _, method := range []schema.ExecutionMethod{schema.ExecutionRecurring, schema.ExecutionScheduled} {
		defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{ExecutionMethod: method})
		if err != nil {
			return count, fmt.Errorf("list %s definitions: %w", method, err)
		}
		for _, def := range defs {
			if _, err := s.ScheduleDefinition(ctx, def); err != nil {
				s.logger.WarnContext(ctx, "cannot schedule workflow",
					slog.String("workflow_id", def.ID), slog.String("error", err.Error()))
				continue
			}
			count++
		}
	}
	return count, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tickEvery))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every enabled job that is due and returns how many were
// handed to the runner.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	dispatched := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			s.releaseJob(job.ID)
			continue
		}
		dispatched++
	}
	return dispatched
}

// runJob advances the job's schedule and submits the run. The in-flight
// mark is released when the run finishes.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	trigger := schema.Trigger{Source: "schedule", InitiatedBy: "scheduler:" + job.ID}
	if len(job.TriggerContext) > 0 {
		if err := json.Unmarshal(job.TriggerContext, &trigger.Context); err != nil {
			_ = s.updateJobStatus(ctx, job, now, StatusError)
			return fmt.Errorf("decode trigger context of job %q: %w", job.ID, err)
		}
	}

	if err := s.updateJobStatus(ctx, job, now, StatusDispatched); err != nil {
		return err
	}

	err := s.runner.Submit(ctx, job.WorkflowID, trigger, func(run *store.FlowRun, err error) {
		defer s.releaseJob(job.ID)
		status := StatusSuccess
		if err != nil || run == nil || run.Status != schema.RunStatusCompleted {
			status = StatusError
		}
		if err != nil {
			s.logger.Error("scheduled run failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		bg := context.WithoutCancel(ctx)
		if uerr := s.store.UpdateScheduledJob(bg, job.ID, store.ScheduledJobUpdate{LastRunStatus: status}); uerr != nil {
			s.logger.Warn("failed to record job status", slog.String("job_id", job.ID), slog.String("error", uerr.Error()))
		}
	})
	if err != nil {
		_ = s.store.UpdateScheduledJob(context.WithoutCancel(ctx), job.ID, store.ScheduledJobUpdate{LastRunStatus: StatusError})
		return fmt.Errorf("submit job %q: %w", job.ID, err)
	}
	return nil
}

// updateJobStatus records the run and moves the job to its next fire time.
// One-shot jobs are disabled instead.
func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	update := store.ScheduledJobUpdate{LastRunAt: &now, LastRunStatus: status}
	if job.CronExpression == "" {
		disabled := false
		update.Enabled = &disabled
	} else {
		nextRun, err := s.CalculateNextRun(job.CronExpression, now)
		if err != nil {
			return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
		}
		update.NextRunAt = &nextRun
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, update)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next fire time of a 5-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop. Runs already submitted keep going.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled job whose fire time passed while
// the scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			s.releaseJob(job.ID)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}
