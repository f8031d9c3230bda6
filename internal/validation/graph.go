package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// MaxSubflowDepth is the deepest nesting a subflow chain may reach.
const MaxSubflowDepth = 1

// DefinitionLookup resolves subflow targets. store.Store satisfies it.
type DefinitionLookup interface {
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Options tunes a validation pass.
type Options struct {
	// StrictTrigger forces strict trigger mode regardless of the definition flag.
	StrictTrigger bool
	// Depth is the subflow nesting level the definition will run at.
	Depth int
}

// GraphValidator checks a workflow definition before any step runs.
//
// Stages, in order:
//  1. Structure: non-empty graph, step IDs and positions, types, policies.
//  2. Strict trigger mode.
//  3. Per-step config schema, guard condition and templates.
//  4. Subflow targets and nesting depth.
//  5. Schedule fields.
//
// Template problems are reported as warnings because resolution is permissive.
type GraphValidator struct {
	configs   *ConfigValidator
	guards    *expressions.CELEngine
	templates *expressions.TemplateEngine
	defs      DefinitionLookup
}

// NewGraphValidator creates a validator. defs may be nil to skip subflow
// target resolution; depth is still enforced on the definition itself.
func NewGraphValidator(defs DefinitionLookup, guards *expressions.CELEngine, templates *expressions.TemplateEngine) (*GraphValidator, error) {
	configs, err := NewConfigValidator()
	if err != nil {
		return nil, err
	}
	if guards == nil {
		if guards, err = expressions.NewCELEngine(); err != nil {
			return nil, err
		}
	}
	if templates == nil {
		templates = expressions.NewTemplateEngine()
	}
	return &GraphValidator{configs: configs, guards: guards, templates: templates, defs: defs}, nil
}

// ValidateDefinition returns the validation result as a FlowError, or nil.
func (v *GraphValidator) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition, opts Options) error {
	return v.Validate(ctx, def, opts).ToError()
}

// Validate runs every stage and aggregates the issues. Structural errors
// short-circuit the later stages.
func (v *GraphValidator) Validate(ctx context.Context, def *schema.WorkflowDefinition, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.IssueEmptyGraph, "workflow definition is nil")
		return result
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.IssueEmptyGraph, "workflow has no steps")
		return result
	}

	validateStructure(def, result)
	if !result.Valid() {
		return result
	}
	if opts.StrictTrigger || def.StrictTrigger {
		validateStrictTrigger(def, result)
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		v.validateStep(ctx, step, path, opts.Depth, result)
	}

	validateSchedule(def, result)
	return result
}

func validateStructure(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	ids := make(map[string]int, len(def.Steps))
	positions := make(map[int]int, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		switch prev, dup := ids[s.ID]; {
		case s.ID == "":
			result.AddError(path+".id", schema.IssueMissingStepID, "step id is empty")
		case dup:
			result.AddError(path+".id", schema.IssueDuplicateStepID,
				fmt.Sprintf("step id %q is already used by steps[%d]", s.ID, prev))
		default:
			ids[s.ID] = i
		}

		if s.Position < 1 {
			result.AddError(path+".position", schema.IssueInvalidPosition,
				fmt.Sprintf("position %d must be >= 1", s.Position))
		} else if prev, dup := positions[s.Position]; dup {
			result.AddError(path+".position", schema.IssueDuplicatePosition,
				fmt.Sprintf("position %d is already used by steps[%d]", s.Position, prev))
		} else {
			positions[s.Position] = i
		}

		if !s.Type.Valid() {
			result.AddError(path+".type", schema.IssueUnknownStepType,
				fmt.Sprintf("unknown step type %q", s.Type))
		}
		if !s.OnFailure.Valid() {
			result.AddError(path+".on_failure", schema.IssueInvalidPolicy,
				fmt.Sprintf("on_failure %q must be stop, skip or continue", s.OnFailure))
		}
		if s.MaxRetries < 0 || s.RetryDelaySeconds < 0 || s.TimeoutSeconds < 0 {
			result.AddError(path, schema.IssueInvalidRetry,
				"max_retries, retry_delay_seconds and timeout_seconds must not be negative")
		}
	}
}

// validateStrictTrigger requires exactly one legacy_trigger step, at position 1.
func validateStrictTrigger(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	var found []int
	for i := range def.Steps {
		if def.Steps[i].Type == schema.StepTypeLegacyTrigger {
			found = append(found, i)
		}
	}
	switch {
	case len(found) == 0:
		result.AddError("steps", schema.IssueStrictTrigger,
			"strict trigger mode requires a legacy_trigger step at position 1")
	case len(found) > 1:
		result.AddError("steps", schema.IssueStrictTrigger,
			fmt.Sprintf("strict trigger mode allows one legacy_trigger step, found %d", len(found)))
	case def.Steps[found[0]].Position != 1:
		result.AddError(fmt.Sprintf("steps[%d].position", found[0]), schema.IssueStrictTrigger,
			fmt.Sprintf("legacy_trigger must be at position 1, found at %d", def.Steps[found[0]].Position))
	}
}

func (v *GraphValidator) validateStep(ctx context.Context, step *schema.Step, path string, depth int, result *schema.ValidationResult) {
	for _, msg := range v.configs.Validate(step.Type, step.Config) {
		result.AddError(path+".config", schema.IssueConfigSchema, msg)
	}

	if step.Condition != "" {
		if err := v.guards.Compile(step.Condition); err != nil {
			result.AddError(path+".condition", schema.IssueCondition, err.Error())
		}
	}

	if len(step.Config) > 0 {
		var cfg any
		if err := json.Unmarshal(step.Config, &cfg); err == nil {
			result.MergeAt("", v.templates.ValidateValue(cfg, path+".config"), true)
		}
	}

	if step.Type == schema.StepTypeSubflow {
		v.validateSubflow(ctx, step, path, depth, result)
	}
}

func (v *GraphValidator) validateSubflow(ctx context.Context, step *schema.Step, path string, depth int, result *schema.ValidationResult) {
	if depth >= MaxSubflowDepth {
		result.AddError(path, schema.IssueSubflowDepth,
			fmt.Sprintf("subflow nesting is limited to %d level", MaxSubflowDepth))
		return
	}
	cfg, err := schema.DecodeConfig[schema.SubflowConfig](step.Config)
	if err != nil || cfg.WorkflowID == "" {
		return // reported by the config schema
	}
	if strings.Contains(cfg.WorkflowID, "{{") {
		result.AddWarning(path+".config.workflow_id", schema.IssueSubflowTarget,
			"templated subflow target cannot be checked before the run")
		return
	}
	if v.defs == nil {
		return
	}
	target, err := v.defs.GetDefinition(ctx, cfg.WorkflowID)
	if err != nil {
		if schema.IsNotFound(err) {
			result.AddError(path+".config.workflow_id", schema.IssueSubflowTarget,
				fmt.Sprintf("subflow target %q does not exist", cfg.WorkflowID))
			return
		}
		result.AddError(path+".config.workflow_id", schema.IssueSubflowTarget,
			fmt.Sprintf("load subflow target %q: %s", cfg.WorkflowID, err.Error()))
		return
	}
	if target.HasSubflow() {
		result.AddError(path+".config.workflow_id", schema.IssueSubflowDepth,
			fmt.Sprintf("subflow target %q itself contains a subflow step", cfg.WorkflowID))
	}
}

func validateSchedule(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	switch def.ExecutionMethod {
	case "", schema.ExecutionImmediate:
	case schema.ExecutionRecurring:
		if def.RecurrenceRule == "" {
			result.AddError("recurrence_rule", schema.IssueInvalidSchedule,
				"recurring workflows need a recurrence_rule")
		} else if _, err := cron.ParseStandard(def.RecurrenceRule); err != nil {
			result.AddError("recurrence_rule", schema.IssueInvalidSchedule,
				fmt.Sprintf("invalid recurrence_rule %q: %s", def.RecurrenceRule, err.Error()))
		}
	case schema.ExecutionScheduled:
		if def.ScheduledAt == nil || def.ScheduledAt.IsZero() {
			result.AddError("scheduled_at", schema.IssueInvalidSchedule,
				"scheduled workflows need scheduled_at")
		}
	default:
		result.AddError("execution_method", schema.IssueInvalidSchedule,
			fmt.Sprintf("unknown execution_method %q", def.ExecutionMethod))
	}
}
