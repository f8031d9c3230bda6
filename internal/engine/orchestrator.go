package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// Orchestrator runs workflow definitions. Steps of one run execute strictly
// in position order; independent runs may execute concurrently and share no
// in-memory state beyond the store.
type Orchestrator struct {
	store     store.Store
	handlers  *handlers.Registry
	validator *validation.GraphValidator
	guards    *expressions.CELEngine
	templates *expressions.TemplateEngine
	runFSM    *RunFSM
	stepFSM   *StepFSM
	logger    *slog.Logger
	sleep     SleepFunc
	now       func() time.Time
	sinks     []ReportSink

	strictTrigger  bool
	defaultTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option { return func(o *Orchestrator) { o.sleep = fn } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithReportSink adds a destination for terminal run reports.
func WithReportSink(s ReportSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithStrictTrigger forces strict trigger mode on every definition.
func WithStrictTrigger(strict bool) Option { return func(o *Orchestrator) { o.strictTrigger = strict } }

// WithDefaultStepTimeout sets the budget of steps that declare none.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithTemplates shares a template engine with the orchestrator.
func WithTemplates(t *expressions.TemplateEngine) Option {
	return func(o *Orchestrator) { o.templates = t }
}

// WithGuards shares a CEL engine for step conditions.
func WithGuards(g *expressions.CELEngine) Option { return func(o *Orchestrator) { o.guards = g } }

// New creates an orchestrator and binds it as the subflow runner of reg.
func New(st store.Store, reg *handlers.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:          st,
		handlers:       reg,
		runFSM:         NewRunFSM(st),
		stepFSM:        NewStepFSM(st),
		logger:         slog.Default(),
		sleep:          WaitForBackoff,
		now:            time.Now,
		defaultTimeout: schema.DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.templates == nil {
		o.templates = expressions.NewTemplateEngine()
	}
	if o.guards == nil {
		g, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		o.guards = g
	}
	v, err := validation.NewGraphValidator(st, o.guards, o.templates)
	if err != nil {
		return nil, err
	}
	o.validator = v
	reg.BindSubflows(o)
	return o, nil
}

// Validate checks def the way Run does before executing it.
func (o *Orchestrator) Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	return o.validator.Validate(ctx, def, validation.Options{StrictTrigger: o.strictTrigger})
}

// Run executes def from its first step. The returned run is terminal and
// carries its report. A definition that fails validation yields a failed run
// with no executed steps plus the validation error; an orchestrator fault
// (store unavailable) yields a failed run plus the fault.
func (o *Orchestrator) Run(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger) (*store.FlowRun, error) {
	return o.run(ctx, def, trigger, runParent{})
}

// RunByID loads the definition and runs it.
func (o *Orchestrator) RunByID(ctx context.Context, workflowID string, trigger schema.Trigger) (*store.FlowRun, error) {
	def, err := o.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, def, trigger)
}

// RunSubflow runs a child workflow one level below the requesting run.
func (o *Orchestrator) RunSubflow(ctx context.Context, req handlers.SubflowRequest) (*store.FlowRun, error) {
	depth := req.Depth + 1
	if depth > validation.MaxSubflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeDepthExceeded,
			"subflow %q would run at depth %d; the limit is %d", req.WorkflowID, depth, validation.MaxSubflowDepth)
	}
	def, err := o.store.GetDefinition(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger.Source == "" {
		trigger.Source = "subflow"
	}
	return o.run(ctx, def, trigger, runParent{id: req.ParentRunID, depth: depth, tenantID: req.TenantID})
}

var _ handlers.SubflowRunner = (*Orchestrator)(nil)

type runParent struct {
	id       string
	depth    int
	tenantID string
}

// execution is the in-memory state of one run.
type execution struct {
	run       *store.FlowRun
	completed []CompletedStep
	outcomes  []stepOutcome
	attempts  []*store.StepRun
}

func (o *Orchestrator) run(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger, parent runParent) (*store.FlowRun, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	now := o.now().UTC()
	run := &store.FlowRun{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		WorkflowName:   def.Name,
		TenantID:       def.TenantID,
		ParentRunID:    parent.id,
		Depth:          parent.depth,
		Status:         schema.RunStatusRunning,
		TotalSteps:     len(def.Steps),
		TriggerContext: trigger.Context,
		InitiatedBy:    trigger.InitiatedBy,
		TriggerSource:  trigger.Source,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if run.TenantID == "" {
		run.TenantID = parent.tenantID
	}
	ctx = logging.WithRun(ctx, run.ID, run.TenantID)
	ex := &execution{run: run}

	if err := o.store.CreateFlowRun(ctx, run); err != nil {
		return nil, fault("create flow run", err)
	}
	if err := o.runFSM.Transition(ctx, run.ID, statusNone, schema.RunStatusRunning, map[string]any{
		"workflow_id": def.ID, "depth": run.Depth, "source": trigger.Source,
	}); err != nil {
		return o.abort(ctx, ex, err)
	}
	o.logger.InfoContext(ctx, "flow run started",
		slog.String("workflow_id", def.ID), slog.Int("steps", len(def.Steps)), slog.Int("depth", run.Depth))

	vres := o.validator.Validate(ctx, def, validation.Options{StrictTrigger: o.strictTrigger, Depth: run.Depth})
	if !vres.Valid() {
		verr := vres.ToError()
		run.Error = verr.Error()
		o.logger.WarnContext(ctx, "workflow failed validation", slog.String("error", run.Error))
		if ferr := o.finish(ctx, ex, schema.RunStatusFailed, vres); ferr != nil {
			return run, errors.Join(verr, ferr)
		}
		return run, verr
	}

	status, err := o.execute(ctx, ex, def)
	if err != nil {
		return o.abort(ctx, ex, err)
	}
	if len(vres.Warnings) == 0 {
		vres = nil
	}
	if err := o.finish(ctx, ex, status, vres); err != nil {
		return run, err
	}
	return run, nil
}

// execute runs the steps in position order and returns the terminal status.
// Only orchestrator faults are returned as errors.
func (o *Orchestrator) execute(ctx context.Context, ex *execution, def *schema.WorkflowDefinition) (schema.RunStatus, error) {
	steps := make([]schema.Step, len(def.Steps))
	copy(steps, def.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })

	run := ex.run
	for i := range steps {
		step := &steps[i]
		tctx := BuildContext(run, ex.completed)
		sctx := logging.WithStepID(ctx, step.ID)

		final, err := o.runStep(sctx, ex, step, tctx)
		if err != nil {
			return schema.RunStatusFailed, err
		}
		ex.outcomes = append(ex.outcomes, stepOutcome{step: step, run: final})

		switch final.Status {
		case schema.StepStatusSkipped:
			continue
		case schema.StepStatusCompleted:
			run.CompletedSteps++
			ex.completed = append(ex.completed, CompletedStep{Step: step, Output: final.Output})
		default:
			run.FailedSteps++
		}
		if err := o.store.UpdateFlowRun(ctx, run.ID, store.FlowRunUpdate{
			CompletedSteps: &run.CompletedSteps,
			FailedSteps:    &run.FailedSteps,
		}); err != nil {
			return schema.RunStatusFailed, fault("update run counters", err)
		}
		if final.Status == schema.StepStatusCompleted {
			continue
		}

		switch step.Policy() {
		case schema.OnFailureContinue:
			o.logger.InfoContext(sctx, "step failed, continuing", slog.String("error", final.Error))
		case schema.OnFailureSkip:
			o.logger.InfoContext(sctx, "step failed, skipping remaining steps", slog.String("error", final.Error))
			return schema.RunStatusCompleted, nil
		default:
			run.Error = fmt.Sprintf("step %s failed: %s", step.ID, final.Error)
			o.logger.WarnContext(sctx, "step failed, stopping run", slog.String("error", final.Error))
			return schema.RunStatusFailed, nil
		}
	}
	return schema.RunStatusCompleted, nil
}

// runStep evaluates the guard and runs the step with retries. It returns
// the final attempt.
func (o *Orchestrator) runStep(ctx context.Context, ex *execution, step *schema.Step, tctx map[string]any) (*store.StepRun, error) {
	if step.Condition != "" {
		ok, err := o.guards.EvaluateBool(ctx, step.Condition, tctx)
		if err != nil {
			sr, rerr := o.recordOutcome(ctx, ex.run, step, schema.StepStatusFailed, "condition: "+err.Error())
			if rerr == nil {
				ex.attempts = append(ex.attempts, sr)
			}
			return sr, rerr
		}
		if !ok {
			o.logger.InfoContext(ctx, "step condition is false, skipping", slog.String("condition", step.Condition))
			return o.recordOutcome(ctx, ex.run, step, schema.StepStatusSkipped, "")
		}
	}

	var last *store.StepRun
	for retry := 0; ; retry++ {
		if retry > 0 {
			delay := ComputeBackoff(step.RetryDelay(), retry)
			o.logger.InfoContext(ctx, "retrying step",
				slog.Int("retry_count", retry), slog.Duration("delay", delay), slog.String("previous_error", last.Error))
			if err := emit(ctx, o.store, ex.run.ID, step.ID, schema.EventStepRetrying, map[string]any{
				"retry_count": retry, "delay_ms": delay.Milliseconds(), "previous_error": last.Error,
			}); err != nil {
				return nil, err
			}
			if err := o.sleep(ctx, delay); err != nil {
				return last, nil
			}
		}
		sr, err := o.ExecuteStep(ctx, ex.run, step, tctx, retry)
		if err != nil {
			return nil, err
		}
		ex.attempts = append(ex.attempts, sr)
		if sr.Status == schema.StepStatusCompleted || retry >= step.MaxRetries {
			return sr, nil
		}
		last = sr
	}
}

// ExecuteStep runs one attempt of step under its idempotency key. An attempt
// already completed under the key is returned as is and never re-executed.
// A failed one, or a running one past its time budget, is re-armed and
// executed again in place; a running one still in budget yields CONFLICT.
func (o *Orchestrator) ExecuteStep(ctx context.Context, run *store.FlowRun, step *schema.Step, tctx map[string]any, retryCount int) (*store.StepRun, error) {
	key := IdempotencyKey(run.ID, step.ID, retryCount)
	started := o.now().UTC()
	input, inputErr := o.resolveInput(step, tctx)

	sr, err := o.store.GetStepRunByKey(ctx, key)
	switch {
	case err == nil && sr.Status == schema.StepStatusCompleted:
		o.logger.InfoContext(ctx, "reusing completed attempt", slog.Int("retry_count", retryCount))
		if err := emit(ctx, o.store, run.ID, step.ID, schema.EventStepReused, map[string]any{
			"retry_count": retryCount, "step_run_id": sr.ID,
		}); err != nil {
			return nil, err
		}
		return sr, nil

	case err == nil:
		// A running attempt is re-armed only once it has outlived its time
		// budget; until then another caller still owns it.
		if sr.Status == schema.StepStatusRunning && started.Sub(sr.StartedAt) <= o.stepTimeout(step)+staleAttemptGrace {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "step %s attempt %d is already running", step.ID, retryCount).
				WithStep(step.ID)
		}
		prev := sr.Status
		running, empty := schema.StepStatusRunning, ""
		if err := o.store.UpdateStepRun(ctx, sr.ID, store.StepRunUpdate{
			ExpectStatus: &prev,
			Status:       &running, Input: input, Error: &empty, StartedAt: &started, ClearCompletedAt: true,
		}); err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeConflict {
				return nil, err
			}
			return nil, fault("re-arm step run", err)
		}
		if err := o.stepFSM.Transition(ctx, run.ID, step.ID, prev, schema.StepStatusRunning, map[string]any{
			"retry_count": retryCount, "step_run_id": sr.ID, "rearmed": true,
		}); err != nil {
			return nil, err
		}
		sr.Status, sr.Input, sr.Error, sr.StartedAt, sr.CompletedAt = running, input, "", started, nil

	case schema.IsNotFound(err):
		sr = &store.StepRun{
			ID:             uuid.NewString(),
			FlowRunID:      run.ID,
			StepID:         step.ID,
			Position:       step.Position,
			StepType:       step.Type,
			IdempotencyKey: key,
			RetryCount:     retryCount,
			Status:         schema.StepStatusRunning,
			Input:          input,
			StartedAt:      started,
		}
		if err := o.store.CreateStepRun(ctx, sr); err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeConflict {
				return nil, err
			}
			return nil, fault("create step run", err)
		}
		if err := o.stepFSM.Transition(ctx, run.ID, step.ID, statusNone, schema.StepStatusRunning, map[string]any{
			"retry_count": retryCount, "step_run_id": sr.ID,
		}); err != nil {
			return nil, err
		}

	default:
		return nil, fault("load step run", err)
	}

	o.logger.InfoContext(ctx, "step attempt started",
		slog.String("type", string(step.Type)), slog.Int("retry_count", retryCount))
	var out map[string]any
	if inputErr != nil {
		out = map[string]any{"status": schema.OutputFailed, "error": inputErr.Error()}
	} else {
		out = o.dispatch(ctx, run, step, tctx, sr)
	}
	if _, err := json.Marshal(out); err != nil {
		out = map[string]any{"status": schema.OutputFailed, "error": "output is not JSON-encodable: " + err.Error()}
	}

	status := schema.StepStatusCompleted
	errText := ""
	if !schema.OutputSucceeded(out) {
		status = schema.StepStatusFailed
		errText, _ = out["error"].(string)
		if errText == "" {
			errText = fmt.Sprintf("step reported status %v", out["status"])
		}
	}
	completedAt := o.now().UTC()
	duration := completedAt.Sub(started).Milliseconds()
	usage := schema.UsageFromOutput(out)

	running := schema.StepStatusRunning
	if err := o.store.UpdateStepRun(ctx, sr.ID, store.StepRunUpdate{
		ExpectStatus: &running,
		Status:       &status, Output: out, Error: &errText, DurationMS: &duration, Usage: usage, CompletedAt: &completedAt,
	}); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			return nil, err
		}
		return nil, fault("record step outcome", err)
	}
	if err := o.stepFSM.Transition(ctx, run.ID, step.ID, schema.StepStatusRunning, status, map[string]any{
		"retry_count": retryCount, "duration_ms": duration, "error": errText,
	}); err != nil {
		return nil, err
	}
	sr.Status, sr.Output, sr.Error, sr.DurationMS, sr.Usage, sr.CompletedAt = status, out, errText, duration, usage, &completedAt

	level := slog.LevelInfo
	if status == schema.StepStatusFailed {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "step attempt finished",
		slog.String("status", string(status)), slog.Int64("duration_ms", duration), slog.String("error", errText))
	return sr, nil
}

// staleAttemptGrace is how long past its time budget a running attempt is
// still considered owned by the caller that started it.
const staleAttemptGrace = 30 * time.Second

func (o *Orchestrator) stepTimeout(step *schema.Step) time.Duration {
	if step.TimeoutSeconds <= 0 {
		return o.defaultTimeout
	}
	return step.Timeout()
}

// resolveInput snapshots the resolved config stored with an attempt. A
// config that panics while resolving or cannot be encoded fails the attempt.
func (o *Orchestrator) resolveInput(step *schema.Step, tctx map[string]any) (input map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			input, err = nil, schema.NewErrorf(schema.ErrCodeStepFailed, "resolve config: %v", r).WithStep(step.ID)
		}
	}()
	input, _ = handlers.ResolveConfig(o.templates, step, tctx)
	if _, merr := json.Marshal(input); merr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "resolved config is not JSON-encodable: %s", merr.Error()).
			WithStep(step.ID)
	}
	return input, nil
}

// dispatch runs the handler under the step's time budget and folds every
// failure mode into an output map carrying "status".
func (o *Orchestrator) dispatch(ctx context.Context, run *store.FlowRun, step *schema.Step, tctx map[string]any, sr *store.StepRun) map[string]any {
	h, err := o.handlers.Get(step.Type)
	if err != nil {
		return map[string]any{"status": schema.OutputFailed, "error": err.Error()}
	}

	// Handlers see the effective budget in whole seconds.
	eff := *step
	timeout := o.stepTimeout(step)
	if step.TimeoutSeconds <= 0 {
		eff.TimeoutSeconds = max(1, int(timeout/time.Second))
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: schema.NewErrorf(schema.ErrCodeStepFailed, "handler panicked: %v", r)}
			}
		}()
		out, err := h.Execute(stepCtx, &eff, tctx, run, sr)
		done <- result{out: out, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-stepCtx.Done():
		r.err = stepCtx.Err()
	}

	switch {
	case r.err == nil && r.out == nil:
		return map[string]any{"status": schema.OutputCompleted}
	case r.err == nil:
		return r.out
	case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
		terr := schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", step.ID, timeout).WithStep(step.ID)
		return map[string]any{"status": schema.OutputTimeout, "error": terr.Error()}
	default:
		return map[string]any{"status": schema.OutputFailed, "error": r.err.Error()}
	}
}

// recordOutcome stores a terminal attempt that never reached a handler: a
// skipped step or a guard that could not be evaluated.
func (o *Orchestrator) recordOutcome(ctx context.Context, run *store.FlowRun, step *schema.Step, status schema.StepStatus, errText string) (*store.StepRun, error) {
	now := o.now().UTC()
	out := map[string]any{"status": string(status)}
	if errText != "" {
		out["error"] = errText
	}
	sr := &store.StepRun{
		ID:             uuid.NewString(),
		FlowRunID:      run.ID,
		StepID:         step.ID,
		Position:       step.Position,
		StepType:       step.Type,
		IdempotencyKey: IdempotencyKey(run.ID, step.ID, 0),
		Status:         status,
		Output:         out,
		Error:          errText,
		StartedAt:      now,
		CompletedAt:    &now,
	}
	if err := o.store.CreateStepRun(ctx, sr); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			return nil, err
		}
		return nil, fault("record step outcome", err)
	}
	from := schema.StepStatus(statusNone)
	if status == schema.StepStatusFailed {
		if err := o.stepFSM.Transition(ctx, run.ID, step.ID, from, schema.StepStatusRunning, nil); err != nil {
			return nil, err
		}
		from = schema.StepStatusRunning
	}
	if err := o.stepFSM.Transition(ctx, run.ID, step.ID, from, status, map[string]any{
		"condition": step.Condition, "error": errText,
	}); err != nil {
		return nil, err
	}
	return sr, nil
}

// finish moves the run to its terminal status, stores the report and hands
// it to the sinks. Writes use a context detached from caller cancellation.
func (o *Orchestrator) finish(ctx context.Context, ex *execution, status schema.RunStatus, vres *schema.ValidationResult) error {
	ctx = context.WithoutCancel(ctx)
	run := ex.run
	completedAt := o.now().UTC()
	run.Status = status
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt

	report := buildReport(run, ex.outcomes, ex.attempts, completedAt)
	report.Validation = vres
	run.Report = report

	var errs []error
	if err := o.store.UpdateFlowRun(ctx, run.ID, store.FlowRunUpdate{
		Status:         &status,
		CompletedSteps: &run.CompletedSteps,
		FailedSteps:    &run.FailedSteps,
		Report:         report,
		Error:          &run.Error,
		CompletedAt:    &completedAt,
	}); err != nil {
		errs = append(errs, fault("finish flow run", err))
	}
	if err := o.runFSM.Transition(ctx, run.ID, schema.RunStatusRunning, status, map[string]any{
		"completed_steps": run.CompletedSteps, "failed_steps": run.FailedSteps, "error": run.Error,
	}); err != nil {
		errs = append(errs, err)
	}
	for _, s := range o.sinks {
		if err := s.StoreReport(ctx, report); err != nil {
			o.logger.WarnContext(ctx, "report sink failed", slog.String("error", err.Error()))
		}
	}

	o.logger.InfoContext(ctx, "flow run finished",
		slog.String("status", string(status)),
		slog.Int("completed_steps", run.CompletedSteps),
		slog.Int("failed_steps", run.FailedSteps),
		slog.Int64("duration_ms", report.DurationMS))
	return errors.Join(errs...)
}

// abort ends the run as failed after an orchestrator fault.
func (o *Orchestrator) abort(ctx context.Context, ex *execution, cause error) (*store.FlowRun, error) {
	ex.run.Error = "orchestrator fault: " + cause.Error()
	o.logger.ErrorContext(ctx, "flow run aborted", slog.String("error", cause.Error()))
	if ferr := o.finish(ctx, ex, schema.RunStatusFailed, nil); ferr != nil {
		return ex.run, errors.Join(cause, ferr)
	}
	return ex.run, cause
}

func fault(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeStore {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// RunView is a run with its attempts and audit events.
type RunView struct {
	Run    *store.FlowRun   `json:"run"`
	Steps  []*store.StepRun `json:"steps"`
	Events []*store.Event   `json:"events"`
}

// Status returns the current state of a run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunView, error) {
	run, err := o.store.GetFlowRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fault("list step runs", err)
	}
	events, err := o.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fault("list events", err)
	}
	return &RunView{Run: run, Steps: steps, Events: events}, nil
}
