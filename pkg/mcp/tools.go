package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// handleDefine validates a definition, stores it and (re)schedules it.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	vres := s.orch.Validate(ctx, def)
	if !vres.Valid() {
		return validationFailure(vres), nil
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}

	out := map[string]any{
		"id":       def.ID,
		"warnings": vres.Warnings,
	}
	if s.scheduler != nil {
		job, err := s.scheduler.ScheduleDefinition(ctx, def)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition stored but scheduling failed: %v", err)), nil
		}
		if job != nil {
			out["job_id"] = job.ID
			out["next_run_at"] = job.NextRunAt
		}
	}
	return marshalResult(out)
}

// handleValidate reports the validation issues of a definition.
func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	vres := s.orch.Validate(ctx, def)
	return marshalResult(map[string]any{
		"valid":    vres.Valid(),
		"errors":   vres.Errors,
		"warnings": vres.Warnings,
	})
}

// handleRun executes a stored workflow, or an inline one, and returns the
// terminal run. Async runs go through the dispatcher and report back via
// notification.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}
	trigger := schema.Trigger{
		Context:     mcp.ParseStringMap(req, "context", nil),
		InitiatedBy: agentID,
		Source:      "mcp",
	}

	if req.GetBool("async", false) {
		if workflowID == "" {
			return mcp.NewToolResultError("async runs require workflow_id"), nil
		}
		if s.dispatcher == nil {
			return mcp.NewToolResultError("async runs are not enabled"), nil
		}
		if err := s.dispatcher.Submit(ctx, workflowID, trigger, s.notifyFinished(agentID)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to queue run: %v", err)), nil
		}
		return marshalResult(map[string]any{"queued": true, "workflow_id": workflowID})
	}

	var (
		run *store.FlowRun
		err error
	)
	switch {
	case workflowID != "":
		run, err = s.orch.RunByID(ctx, workflowID, trigger)
	default:
		def, errResult := parseDefinition(req)
		if errResult != nil {
			return mcp.NewToolResultError("workflow_id or definition is required"), nil
		}
		if def.ID == "" {
			def.ID = "inline-" + uuid.New().String()
		}
		run, err = s.orch.Run(ctx, def, trigger)
	}
	if err != nil {
		if run == nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}
		res, _ := marshalResult(map[string]any{"run": run, "error": err.Error()})
		res.IsError = true
		return res, nil
	}
	return marshalResult(map[string]any{"run": run})
}

// handleStatus returns a run with its step attempts and events.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	view, statusErr := s.orch.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(view)
}

// handleQuery lists definitions, runs or events.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleRender renders a template and reports its syntax issues.
func (s *FlowServer) handleRender(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError("template is required"), nil
	}
	data := mcp.ParseStringMap(req, "context", map[string]any{})

	issues := s.templates.Validate(src)
	return marshalResult(map[string]any{
		"rendered": s.templates.Render(src, data),
		"errors":   issues.Errors,
		"warnings": issues.Warnings,
	})
}

// --- Query helpers ---

func (s *FlowServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	df := store.DefinitionFilter{Limit: extractInt(filter, "limit", 50)}
	if tenant, ok := filter["tenant_id"].(string); ok {
		df.TenantID = tenant
	}
	if method, ok := filter["execution_method"].(string); ok {
		df.ExecutionMethod = schema.ExecutionMethod(method)
	}

	defs, err := s.store.ListDefinitions(ctx, df)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *FlowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.FlowRunFilter{Limit: extractInt(filter, "limit", 50)}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if parent, ok := filter["parent_run_id"].(string); ok {
		rf.ParentRunID = parent
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListFlowRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// notifyFinished returns a callback pushing the run outcome to agentID.
func (s *FlowServer) notifyFinished(agentID string) func(*store.FlowRun, error) {
	return func(run *store.FlowRun, err error) {
		if agentID == "" {
			return
		}
		payload := map[string]any{"type": "run_finished"}
		if run != nil {
			payload["run_id"] = run.ID
			payload["workflow_id"] = run.WorkflowID
			payload["status"] = run.Status
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		if nerr := s.notifier.Notify(context.Background(), agentID, payload); nerr != nil {
			s.logger.Warn("failed to notify agent",
				slog.String("agent_id", agentID),
				slog.String("error", nerr.Error()),
			)
		}
	}
}

// parseDefinition decodes the "definition" argument. A non-nil result is the
// tool error to return.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

func validationFailure(vres *schema.ValidationResult) *mcp.CallToolResult {
	res, _ := marshalResult(map[string]any{
		"valid":    false,
		"errors":   vres.Errors,
		"warnings": vres.Warnings,
	})
	res.IsError = true
	return res
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
