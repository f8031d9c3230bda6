package validation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func newValidator(t *testing.T, defs DefinitionLookup) *GraphValidator {
	t.Helper()
	v, err := NewGraphValidator(defs, nil, nil)
	require.NoError(t, err)
	return v
}

func msgStep(id string, pos int) schema.Step {
	return schema.Step{
		ID: id, Position: pos, Type: schema.StepTypeMessage,
		Config: json.RawMessage(`{"recipient":"u1","text":"hi"}`),
	}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.Code
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t, nil)
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.Step{msgStep("a", 1), msgStep("b", 2)}}

	res := v.Validate(context.Background(), def, Options{})
	assert.True(t, res.Valid(), "%+v", res.Errors)
	assert.Empty(t, res.Warnings)
	assert.NoError(t, v.ValidateDefinition(context.Background(), def, Options{}))
}

func TestValidate_EmptyGraph(t *testing.T) {
	v := newValidator(t, nil)

	res := v.Validate(context.Background(), &schema.WorkflowDefinition{ID: "wf"}, Options{})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.IssueEmptyGraph, res.Errors[0].Code)

	res = v.Validate(context.Background(), nil, Options{})
	assert.Equal(t, []string{schema.IssueEmptyGraph}, codes(res.Errors))

	err := v.ValidateDefinition(context.Background(), &schema.WorkflowDefinition{}, Options{})
	assert.True(t, schema.IsGraphValidation(err))
}

func TestValidate_Structure(t *testing.T) {
	v := newValidator(t, nil)

	cases := []struct {
		name  string
		steps []schema.Step
		code  string
	}{
		{"zero position", []schema.Step{msgStep("a", 0)}, schema.IssueInvalidPosition},
		{"duplicate position", []schema.Step{msgStep("a", 1), msgStep("b", 1)}, schema.IssueDuplicatePosition},
		{"duplicate id", []schema.Step{msgStep("a", 1), msgStep("a", 2)}, schema.IssueDuplicateStepID},
		{"missing id", []schema.Step{msgStep("", 1)}, schema.IssueMissingStepID},
		{"unknown type", []schema.Step{{ID: "a", Position: 1, Type: "teleport"}}, schema.IssueUnknownStepType},
		{"bad policy", []schema.Step{func() schema.Step {
			s := msgStep("a", 1)
			s.OnFailure = "retry-forever"
			return s
		}()}, schema.IssueInvalidPolicy},
		{"negative retries", []schema.Step{func() schema.Step {
			s := msgStep("a", 1)
			s.MaxRetries = -1
			return s
		}()}, schema.IssueInvalidRetry},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := v.Validate(context.Background(), &schema.WorkflowDefinition{Steps: c.steps}, Options{})
			require.False(t, res.Valid())
			assert.Contains(t, codes(res.Errors), c.code)
		})
	}
}

func TestValidate_PositionsNeedNotBeContiguous(t *testing.T) {
	v := newValidator(t, nil)
	def := &schema.WorkflowDefinition{Steps: []schema.Step{msgStep("a", 3), msgStep("b", 10)}}
	assert.True(t, v.Validate(context.Background(), def, Options{}).Valid())
}

func trigger(id string, pos int) schema.Step {
	return schema.Step{ID: id, Position: pos, Type: schema.StepTypeLegacyTrigger,
		Config: json.RawMessage(`{"event":"message","keywords":["go"]}`)}
}

func TestValidate_StrictTrigger(t *testing.T) {
	v := newValidator(t, nil)
	ctx := context.Background()

	ok := &schema.WorkflowDefinition{StrictTrigger: true, Steps: []schema.Step{trigger("t", 1), msgStep("a", 2)}}
	assert.True(t, v.Validate(ctx, ok, Options{}).Valid())

	missing := &schema.WorkflowDefinition{StrictTrigger: true, Steps: []schema.Step{msgStep("a", 1)}}
	assert.Equal(t, []string{schema.IssueStrictTrigger}, codes(v.Validate(ctx, missing, Options{}).Errors))

	twice := &schema.WorkflowDefinition{StrictTrigger: true, Steps: []schema.Step{trigger("t", 1), trigger("u", 2)}}
	assert.Equal(t, []string{schema.IssueStrictTrigger}, codes(v.Validate(ctx, twice, Options{}).Errors))

	late := &schema.WorkflowDefinition{StrictTrigger: true, Steps: []schema.Step{msgStep("a", 1), trigger("t", 2)}}
	res := v.Validate(ctx, late, Options{})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "steps[1].position", res.Errors[0].Path)

	// Non-strict definitions are checked when strict mode is forced.
	plain := &schema.WorkflowDefinition{Steps: []schema.Step{msgStep("a", 1)}}
	assert.True(t, v.Validate(ctx, plain, Options{}).Valid())
	assert.False(t, v.Validate(ctx, plain, Options{StrictTrigger: true}).Valid())
}

func TestValidate_ConfigSchema(t *testing.T) {
	v := newValidator(t, nil)
	def := &schema.WorkflowDefinition{Steps: []schema.Step{{
		ID: "a", Position: 1, Type: schema.StepTypeTool,
		Config: json.RawMessage(`{"params":{"x":1}}`),
	}}}

	res := v.Validate(context.Background(), def, Options{})
	require.False(t, res.Valid())
	assert.Equal(t, schema.IssueConfigSchema, res.Errors[0].Code)
	assert.Equal(t, "steps[0].config", res.Errors[0].Path)
}

func TestValidate_Condition(t *testing.T) {
	v := newValidator(t, nil)
	s := msgStep("a", 1)
	s.Condition = `ctx.step_1.status == `
	res := v.Validate(context.Background(), &schema.WorkflowDefinition{Steps: []schema.Step{s}}, Options{})
	assert.Equal(t, []string{schema.IssueCondition}, codes(res.Errors))

	s.Condition = `has(ctx.step_1) && ctx.step_1.status == "completed"`
	res = v.Validate(context.Background(), &schema.WorkflowDefinition{Steps: []schema.Step{s}}, Options{})
	assert.True(t, res.Valid())
}

func TestValidate_TemplateIssuesAreWarnings(t *testing.T) {
	v := newValidator(t, nil)
	def := &schema.WorkflowDefinition{Steps: []schema.Step{{
		ID: "a", Position: 1, Type: schema.StepTypeMessage,
		Config: json.RawMessage(`{"recipient":"u1","text":"{{#if step_1.ok}}yes"}`),
	}}}

	res := v.Validate(context.Background(), def, Options{})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, schema.IssueUnclosedBlock, res.Warnings[0].Code)
	assert.Equal(t, "steps[0].config.text.@0", res.Warnings[0].Path)
}

func subflowStep(id string, pos int, target string) schema.Step {
	return schema.Step{ID: id, Position: pos, Type: schema.StepTypeSubflow,
		Config: json.RawMessage(`{"workflow_id":"` + target + `"}`)}
}

func TestValidate_Subflow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveDefinition(ctx, &schema.WorkflowDefinition{
		ID: "leaf", Steps: []schema.Step{msgStep("m", 1)},
	}))
	require.NoError(t, st.SaveDefinition(ctx, &schema.WorkflowDefinition{
		ID: "nested", Steps: []schema.Step{subflowStep("s", 1, "leaf")},
	}))
	v := newValidator(t, st)

	ok := &schema.WorkflowDefinition{Steps: []schema.Step{subflowStep("s", 1, "leaf")}}
	assert.True(t, v.Validate(ctx, ok, Options{}).Valid())

	deep := &schema.WorkflowDefinition{Steps: []schema.Step{subflowStep("s", 1, "nested")}}
	res := v.Validate(ctx, deep, Options{})
	assert.Equal(t, []string{schema.IssueSubflowDepth}, codes(res.Errors))
	err := res.ToError()
	assert.Equal(t, schema.ErrCodeDepthExceeded, schema.ErrorCode(err))
	assert.True(t, schema.IsGraphValidation(err))

	missing := &schema.WorkflowDefinition{Steps: []schema.Step{subflowStep("s", 1, "ghost")}}
	assert.Equal(t, []string{schema.IssueSubflowTarget}, codes(v.Validate(ctx, missing, Options{}).Errors))

	templated := &schema.WorkflowDefinition{Steps: []schema.Step{subflowStep("s", 1, "{{trigger.flow}}")}}
	res = v.Validate(ctx, templated, Options{})
	assert.True(t, res.Valid())
	assert.Equal(t, []string{schema.IssueSubflowTarget}, codes(res.Warnings))

	// A child definition may not contain subflow steps at all.
	assert.Equal(t, []string{schema.IssueSubflowDepth}, codes(v.Validate(ctx, ok, Options{Depth: 1}).Errors))
}

func TestValidate_Schedule(t *testing.T) {
	v := newValidator(t, nil)
	ctx := context.Background()
	steps := []schema.Step{msgStep("a", 1)}
	at := time.Now().Add(time.Hour)

	cases := []struct {
		def   schema.WorkflowDefinition
		valid bool
	}{
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionImmediate}, true},
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionRecurring, RecurrenceRule: "*/5 * * * *"}, true},
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionRecurring, RecurrenceRule: "every tuesday"}, false},
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionRecurring}, false},
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionScheduled, ScheduledAt: &at}, true},
		{schema.WorkflowDefinition{ExecutionMethod: schema.ExecutionScheduled}, false},
		{schema.WorkflowDefinition{ExecutionMethod: "sometimes"}, false},
	}
	for _, c := range cases {
		def := c.def
		def.Steps = steps
		res := v.Validate(ctx, &def, Options{})
		assert.Equal(t, c.valid, res.Valid(), "%s %q", def.ExecutionMethod, def.RecurrenceRule)
		if !c.valid {
			assert.Equal(t, []string{schema.IssueInvalidSchedule}, codes(res.Errors))
		}
	}
}
