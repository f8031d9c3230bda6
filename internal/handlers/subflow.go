package handlers

import (
	"context"
	"sync"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type subflowHandler struct {
	base

	mu     sync.RWMutex
	runner SubflowRunner
}

func (h *subflowHandler) Type() schema.StepType { return schema.StepTypeSubflow }

// Execute runs the target workflow as a child of run. The child's trigger
// context is the parent's step context overlaid with the resolved
// input_mapping, or only the mapping when the step is isolated.
func (h *subflowHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.SubflowConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	h.mu.RLock()
	runner := h.runner
	h.mu.RUnlock()
	if runner == nil {
		return notConfigured("subflow runner"), nil
	}
	if cfg.WorkflowID == "" {
		return failed("subflow workflow_id is empty"), nil
	}

	child := make(map[string]any, len(tctx)+len(cfg.InputMapping))
	if !cfg.Isolated {
		for k, v := range tctx {
			child[k] = v
		}
	}
	for k, v := range cfg.InputMapping {
		child[k] = v
	}

	req := SubflowRequest{
		WorkflowID: cfg.WorkflowID,
		Trigger:    schema.Trigger{Context: child, Source: "subflow"},
	}
	if run != nil {
		req.ParentRunID = run.ID
		req.Depth = run.Depth
		req.TenantID = run.TenantID
		req.Trigger.InitiatedBy = run.ID
	}

	childRun, err := runner.RunSubflow(ctx, req)
	if err != nil {
		out := failed(err.Error())
		out["workflow_id"] = cfg.WorkflowID
		return out, nil
	}

	out := map[string]any{
		"status":       statusFor(childRun.Status == schema.RunStatusCompleted),
		"workflow_id":  cfg.WorkflowID,
		"child_run_id": childRun.ID,
		"child_status": string(childRun.Status),
	}
	if childRun.Report != nil {
		out["report"] = reportMap(childRun.Report)
		if !childRun.Report.Usage.Zero() {
			out["usage"] = childRun.Report.Usage.Map()
		}
	}
	if childRun.Status != schema.RunStatusCompleted {
		out["error"] = "subflow " + cfg.WorkflowID + " failed"
		if childRun.Error != "" {
			out["error"] = childRun.Error
		}
	}
	return out, nil
}

// reportMap turns a report into plain JSON values so templates can walk it.
func reportMap(r *schema.RunReport) map[string]any {
	m, err := schema.ToMap(r)
	if err != nil {
		return map[string]any{"status": string(r.Status)}
	}
	return m
}
