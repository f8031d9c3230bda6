package handlers

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type triggerHandler struct{ base }

func (h *triggerHandler) Type() schema.StepType { return schema.StepTypeLegacyTrigger }

// Execute marks the trigger step of a strict-mode workflow as satisfied and
// exposes the trigger context under the step's output.
func (h *triggerHandler) Execute(_ context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.LegacyTriggerConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	out := map[string]any{
		"status": schema.OutputCompleted,
		"event":  cfg.Event,
	}
	if len(cfg.Keywords) > 0 {
		kw := make([]any, len(cfg.Keywords))
		for i, k := range cfg.Keywords {
			kw[i] = k
		}
		out["keywords"] = kw
	}
	if run != nil && run.TriggerContext != nil {
		out["trigger"] = run.TriggerContext
	}
	return out, nil
}
