package engine

import (
	"strconv"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Reserved top-level keys of the step context. Step names and aliases that
// normalize to one of them are not exposed under that key.
const (
	ContextFlow         = "flow"
	ContextTrigger      = "trigger"
	ContextPreviousStep = "previous_step"
)

// CompletedStep is the output of a step whose final attempt succeeded.
type CompletedStep struct {
	Step   *schema.Step
	Output map[string]any
}

// BuildContext assembles the template context for the next step. Every
// completed step is addressable as step_<position>, by its normalized name
// and by its output alias; previous_step is the most recent one.
func BuildContext(run *store.FlowRun, completed []CompletedStep) map[string]any {
	tctx := make(map[string]any, 3*len(completed)+3)

	trigger := map[string]any{}
	if run != nil && run.TriggerContext != nil {
		trigger = run.TriggerContext
	}
	for _, c := range completed {
		if name := schema.NormalizeName(c.Step.Name); name != "" && !reserved(name) {
			tctx[name] = outputOf(c)
		}
		if alias := c.Step.OutputAlias; alias != "" && !reserved(alias) {
			tctx[alias] = outputOf(c)
		}
	}
	// Positional keys win over a name that happens to look like one.
	for _, c := range completed {
		tctx["step_"+strconv.Itoa(c.Step.Position)] = outputOf(c)
	}
	tctx[ContextPreviousStep] = map[string]any{}
	if n := len(completed); n > 0 {
		tctx[ContextPreviousStep] = outputOf(completed[n-1])
	}

	flow := map[string]any{"trigger": trigger}
	if run != nil {
		flow["id"] = run.ID
		flow["workflow_id"] = run.WorkflowID
		flow["name"] = run.WorkflowName
		flow["status"] = string(run.Status)
		flow["tenant_id"] = run.TenantID
		flow["depth"] = run.Depth
		if run.ParentRunID != "" {
			flow["parent_run_id"] = run.ParentRunID
		}
		if run.InitiatedBy != "" {
			flow["initiated_by"] = run.InitiatedBy
		}
	}
	tctx[ContextFlow] = flow
	tctx[ContextTrigger] = trigger
	return tctx
}

func reserved(key string) bool {
	return key == ContextFlow || key == ContextTrigger || key == ContextPreviousStep
}

func outputOf(c CompletedStep) map[string]any {
	if c.Output == nil {
		return map[string]any{}
	}
	return c.Output
}
