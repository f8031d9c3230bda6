package handlers

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

type toolHandler struct{ base }

func (h *toolHandler) Type() schema.StepType { return schema.StepTypeTool }

// Execute runs a built-in tool when one is registered under the name and
// falls through to the external runner otherwise.
func (h *toolHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.ToolConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if cfg.Tool == "" {
		return failed("tool name is empty"), nil
	}
	params := cfg.Params
	if params == nil {
		params = map[string]any{}
	}

	var out *tools.Output
	switch {
	case h.deps.Tools != nil && h.deps.Tools.Has(cfg.Tool):
		tool, _ := h.deps.Tools.Get(cfg.Tool)
		if err := tool.Validate(params); err != nil {
			return h.fail(cfg.Tool, err), nil
		}
		out, err = tool.Run(ctx, params)
	case h.deps.ExternalTools != nil:
		out, err = h.deps.ExternalTools.RunTool(ctx, cfg.Tool, params)
	default:
		return h.fail(cfg.Tool, schema.NewErrorf(schema.ErrCodeHandlerUnavailable,
			"tool %q is not built in and no external tool runner is configured", cfg.Tool)), nil
	}
	if err != nil {
		return h.fail(cfg.Tool, err), nil
	}
	if out == nil {
		out = &tools.Output{}
	}

	summary := cfg.Summary
	if summary == "" {
		summary = out.Summary
	}
	return withUsage(map[string]any{
		"status":  schema.OutputCompleted,
		"tool":    cfg.Tool,
		"result":  out.Result,
		"summary": summary,
	}, out.Usage), nil
}

func (h *toolHandler) fail(tool string, err error) map[string]any {
	out := failed(err.Error())
	out["tool"] = tool
	return out
}
