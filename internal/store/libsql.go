package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL (SQLite fork) database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/opflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer keeps single-row updates serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	method := def.ExecutionMethod
	if method == "" {
		method = schema.ExecutionImmediate
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, description, steps, default_agent, execution_method, recurrence_rule, scheduled_at, tenant_id, strict_trigger, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, steps=excluded.steps,
		   default_agent=excluded.default_agent, execution_method=excluded.execution_method,
		   recurrence_rule=excluded.recurrence_rule, scheduled_at=excluded.scheduled_at,
		   tenant_id=excluded.tenant_id, strict_trigger=excluded.strict_trigger, updated_at=excluded.updated_at`,
		def.ID, def.Name, nullStr(def.Description), string(steps), nullStr(def.DefaultAgent), string(method),
		nullStr(def.RecurrenceRule), nullTime(def.ScheduledAt), nullStr(def.TenantID), boolInt(def.StrictTrigger),
		def.CreatedAt, def.UpdatedAt,
	)
	return err
}

const definitionColumns = `id, name, description, steps, default_agent, execution_method, recurrence_rule, scheduled_at, tenant_id, strict_trigger, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var (
		desc, agent, rule, tenant sql.NullString
		stepsJSON, method         string
		scheduledAt               sql.NullTime
		strict                    int
	)
	if err := row.Scan(&def.ID, &def.Name, &desc, &stepsJSON, &agent, &method, &rule, &scheduledAt,
		&tenant, &strict, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.DefaultAgent = agent.String
	def.ExecutionMethod = schema.ExecutionMethod(method)
	def.RecurrenceRule = rule.String
	def.TenantID = tenant.String
	def.StrictTrigger = strict != 0
	if scheduledAt.Valid {
		t := scheduledAt.Time
		def.ScheduledAt = &t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ExecutionMethod != "" {
		where = append(where, "execution_method = ?")
		args = append(args, string(filter.ExecutionMethod))
	}

	query := `SELECT ` + definitionColumns + ` FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

// --- Flow runs ---

func (s *LibSQLStore) CreateFlowRun(ctx context.Context, run *FlowRun) error {
	trigger, err := marshalOrNil(run.TriggerContext)
	if err != nil {
		return fmt.Errorf("marshal trigger_context: %w", err)
	}
	report, err := marshalOrNil(run.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	run.UpdatedAt = run.StartedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (id, workflow_id, workflow_name, tenant_id, parent_run_id, depth, status, total_steps, completed_steps, failed_steps, trigger_context, initiated_by, trigger_source, report, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.WorkflowName), nullStr(run.TenantID), nullStr(run.ParentRunID), run.Depth,
		string(run.Status), run.TotalSteps, run.CompletedSteps, run.FailedSteps, trigger,
		nullStr(run.InitiatedBy), nullStr(run.TriggerSource), report, nullStr(run.Error),
		run.StartedAt, nullTime(run.CompletedAt), run.UpdatedAt,
	)
	return err
}

const flowRunColumns = `id, workflow_id, workflow_name, tenant_id, parent_run_id, depth, status, total_steps, completed_steps, failed_steps, trigger_context, initiated_by, trigger_source, report, error, started_at, completed_at, updated_at`

func scanFlowRun(row interface{ Scan(...any) error }) (*FlowRun, error) {
	r := &FlowRun{}
	var (
		name, tenant, parent, trigger, initiatedBy, source, report, errText sql.NullString
		status                                                              string
		completedAt                                                         sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &name, &tenant, &parent, &r.Depth, &status,
		&r.TotalSteps, &r.CompletedSteps, &r.FailedSteps, &trigger, &initiatedBy, &source,
		&report, &errText, &r.StartedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.WorkflowName = name.String
	r.TenantID = tenant.String
	r.ParentRunID = parent.String
	r.Status = schema.RunStatus(status)
	r.InitiatedBy = initiatedBy.String
	r.TriggerSource = source.String
	r.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if err := unmarshalNullable(trigger, &r.TriggerContext); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_context: %w", err)
	}
	if report.Valid && report.String != "" {
		r.Report = &schema.RunReport{}
		if err := json.Unmarshal([]byte(report.String), r.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
	}
	return r, nil
}

func (s *LibSQLStore) GetFlowRun(ctx context.Context, id string) (*FlowRun, error) {
	r, err := scanFlowRun(s.db.QueryRowContext(ctx, `SELECT `+flowRunColumns+` FROM flow_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateFlowRun(ctx context.Context, id string, update FlowRunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedSteps != nil {
		sets = append(sets, "completed_steps = ?")
		args = append(args, *update.CompletedSteps)
	}
	if update.FailedSteps != nil {
		sets = append(sets, "failed_steps = ?")
		args = append(args, *update.FailedSteps)
	}
	if update.Report != nil {
		raw, err := json.Marshal(update.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		sets = append(sets, "report = ?")
		args = append(args, string(raw))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE flow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow run", id)
}

func (s *LibSQLStore) ListFlowRuns(ctx context.Context, filter FlowRunFilter) ([]*FlowRun, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + flowRunColumns + ` FROM flow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*FlowRun
	for rows.Next() {
		r, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Step runs ---

func (s *LibSQLStore) CreateStepRun(ctx context.Context, sr *StepRun) error {
	input, err := marshalOrNil(sr.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalOrNil(sr.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	usage, err := marshalOrNil(sr.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	sr.StartedAt = timeOrNow(sr.StartedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_runs (id, flow_run_id, step_id, position, step_type, idempotency_key, retry_count, status, input, output, error, duration_ms, usage, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.FlowRunID, sr.StepID, sr.Position, string(sr.StepType), sr.IdempotencyKey, sr.RetryCount,
		string(sr.Status), input, output, nullStr(sr.Error), sr.DurationMS, usage, sr.StartedAt, nullTime(sr.CompletedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return storeConflict("step run", sr.IdempotencyKey).WithCause(err)
	}
	return err
}

const stepRunColumns = `id, flow_run_id, step_id, position, step_type, idempotency_key, retry_count, status, input, output, error, duration_ms, usage, started_at, completed_at`

func scanStepRun(row interface{ Scan(...any) error }) (*StepRun, error) {
	sr := &StepRun{}
	var (
		stepType, status          string
		input, output, errText, u sql.NullString
		completedAt               sql.NullTime
	)
	if err := row.Scan(&sr.ID, &sr.FlowRunID, &sr.StepID, &sr.Position, &stepType, &sr.IdempotencyKey,
		&sr.RetryCount, &status, &input, &output, &errText, &sr.DurationMS, &u, &sr.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	sr.StepType = schema.StepType(stepType)
	sr.Status = schema.StepStatus(status)
	sr.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		sr.CompletedAt = &t
	}
	if err := unmarshalNullable(input, &sr.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := unmarshalNullable(output, &sr.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if u.Valid && u.String != "" {
		sr.Usage = &schema.Usage{}
		if err := json.Unmarshal([]byte(u.String), sr.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}
	}
	return sr, nil
}

func (s *LibSQLStore) GetStepRunByKey(ctx context.Context, key string) (*StepRun, error) {
	sr, err := scanStepRun(s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE idempotency_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step run", key)
	}
	return sr, err
}

func (s *LibSQLStore) UpdateStepRun(ctx context.Context, id string, update StepRunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Input != nil {
		raw, err := json.Marshal(update.Input)
		if err != nil {
			return fmt.Errorf("marshal input: %w", err)
		}
		sets = append(sets, "input = ?")
		args = append(args, string(raw))
	}
	if update.Output != nil {
		raw, err := json.Marshal(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(raw))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMS)
	}
	if update.Usage != nil {
		raw, err := json.Marshal(update.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		sets = append(sets, "usage = ?")
		args = append(args, string(raw))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	} else if update.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	where := "id = ?"
	if update.ExpectStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}
	query := fmt.Sprintf("UPDATE step_runs SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if update.ExpectStatus != nil {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM step_runs WHERE id = ?`, id).Scan(&exists); err == nil {
			return storeStale("step run", id, *update.ExpectStatus)
		}
	}
	return storeNotFound("step run", id)
}

func (s *LibSQLStore) ListStepRuns(ctx context.Context, flowRunID string) ([]*StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE flow_run_id = ? ORDER BY position ASC, retry_count ASC`, flowRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// --- Conversation threads ---

func (s *LibSQLStore) CreateThread(ctx context.Context, th *ConversationThread) error {
	if th.Messages == nil {
		th.Messages = []ThreadMessage{}
	}
	msgs, err := json.Marshal(th.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	tctx, err := marshalOrNil(th.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	th.CreatedAt = timeOrNow(th.CreatedAt)
	th.UpdatedAt = th.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_threads (id, flow_run_id, step_run_id, step_id, recipient, goal, status, current_turn, max_turns, messages, context, timeout_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.FlowRunID, nullStr(th.StepRunID), th.StepID, th.Recipient, nullStr(th.Goal), string(th.Status),
		th.CurrentTurn, th.MaxTurns, string(msgs), tctx, th.TimeoutAt, th.CreatedAt, th.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetThread(ctx context.Context, id string) (*ConversationThread, error) {
	th := &ConversationThread{}
	var (
		stepRunID, goal, tctx sql.NullString
		status, msgs          string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_run_id, step_run_id, step_id, recipient, goal, status, current_turn, max_turns, messages, context, timeout_at, created_at, updated_at
		 FROM conversation_threads WHERE id = ?`, id,
	).Scan(&th.ID, &th.FlowRunID, &stepRunID, &th.StepID, &th.Recipient, &goal, &status,
		&th.CurrentTurn, &th.MaxTurns, &msgs, &tctx, &th.TimeoutAt, &th.CreatedAt, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("conversation thread", id)
	}
	if err != nil {
		return nil, err
	}
	th.StepRunID = stepRunID.String
	th.Goal = goal.String
	th.Status = schema.ThreadStatus(status)
	if err := json.Unmarshal([]byte(msgs), &th.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := unmarshalNullable(tctx, &th.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return th, nil
}

func (s *LibSQLStore) UpdateThread(ctx context.Context, id string, update ThreadUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		raw, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(raw))
	}
	if update.StepRunID != nil {
		sets = append(sets, "step_run_id = ?")
		args = append(args, nullStr(*update.StepRunID))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE conversation_threads SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "conversation thread", id)
}

// AppendThreadMessage appends to the transcript inside one transaction.
// A user message advances current_turn.
func (s *LibSQLStore) AppendThreadMessage(ctx context.Context, id string, msg ThreadMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	var turn int
	err = tx.QueryRowContext(ctx,
		`SELECT messages, current_turn FROM conversation_threads WHERE id = ?`, id).Scan(&raw, &turn)
	if err == sql.ErrNoRows {
		return storeNotFound("conversation thread", id)
	}
	if err != nil {
		return err
	}
	var msgs []ThreadMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return fmt.Errorf("unmarshal messages: %w", err)
	}
	msg.At = timeOrNow(msg.At)
	msgs = append(msgs, msg)
	if msg.Role == RoleUser {
		turn++
	}
	updated, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_threads SET messages = ?, current_turn = ?, updated_at = ? WHERE id = ?`,
		string(updated), turn, time.Now().UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE flow_run_id = ?`, event.FlowRunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (flow_run_id, step_id, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.FlowRunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, flowRunID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE flow_run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		flowRunID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.FlowRunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, run_at, trigger_context, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, nullStr(job.CronExpression), nullTime(job.RunAt), nullRaw(job.TriggerContext),
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

const jobColumns = `id, workflow_id, cron_expression, run_at, trigger_context, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanJob(row interface{ Scan(...any) error }) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var (
		cronExpr, trigger, lastStatus sql.NullString
		runAt, lastRun, nextRun       sql.NullTime
		enabled                       int
	)
	if err := row.Scan(&j.ID, &j.WorkflowID, &cronExpr, &runAt, &trigger, &enabled, &lastRun, &nextRun,
		&lastStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.CronExpression = cronExpr.String
	j.TriggerContext = rawOrNil(trigger)
	j.Enabled = enabled != 0
	j.LastRunStatus = lastStatus.String
	j.RunAt = timePtr(runAt)
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	return j, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalOrNil encodes v as a JSON string, mapping nil values to SQL NULL.
func marshalOrNil(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *schema.RunReport:
		if t == nil {
			return nil, nil
		}
	case *schema.Usage:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalNullable(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
