package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func TestBuildContext_Empty(t *testing.T) {
	tctx := BuildContext(&store.FlowRun{ID: "r1", WorkflowID: "wf", Status: schema.RunStatusRunning}, nil)

	assert.Equal(t, map[string]any{}, tctx[ContextPreviousStep])
	assert.Equal(t, map[string]any{}, tctx[ContextTrigger])
	flow, ok := tctx[ContextFlow].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r1", flow["id"])
	assert.Equal(t, "wf", flow["workflow_id"])
	assert.Equal(t, "running", flow["status"])
	assert.NotContains(t, flow, "parent_run_id")
}

func TestBuildContext_Addressing(t *testing.T) {
	run := &store.FlowRun{
		ID: "r1", WorkflowID: "wf", WorkflowName: "Daily", TenantID: "acme", Depth: 1,
		ParentRunID: "p1", InitiatedBy: "u7",
		TriggerContext: map[string]any{"city": "Porto"},
	}
	first := &schema.Step{ID: "a", Position: 1, Name: "Fetch Weather"}
	second := &schema.Step{ID: "b", Position: 3, OutputAlias: "summary"}
	tctx := BuildContext(run, []CompletedStep{
		{Step: first, Output: map[string]any{"temp": 21}},
		{Step: second, Output: map[string]any{"text": "warm"}},
	})

	assert.Equal(t, map[string]any{"temp": 21}, tctx["step_1"])
	assert.Equal(t, map[string]any{"temp": 21}, tctx["fetch_weather"])
	assert.Equal(t, map[string]any{"text": "warm"}, tctx["step_3"])
	assert.Equal(t, map[string]any{"text": "warm"}, tctx["summary"])
	assert.Equal(t, map[string]any{"text": "warm"}, tctx[ContextPreviousStep])
	assert.NotContains(t, tctx, "step_2")
	assert.Equal(t, map[string]any{"city": "Porto"}, tctx[ContextTrigger])

	flow := tctx[ContextFlow].(map[string]any)
	assert.Equal(t, "Daily", flow["name"])
	assert.Equal(t, "acme", flow["tenant_id"])
	assert.Equal(t, 1, flow["depth"])
	assert.Equal(t, "p1", flow["parent_run_id"])
	assert.Equal(t, "u7", flow["initiated_by"])
	assert.Equal(t, map[string]any{"city": "Porto"}, flow["trigger"])
}

func TestBuildContext_ReservedAndPositionalKeysWin(t *testing.T) {
	tctx := BuildContext(&store.FlowRun{ID: "r1"}, []CompletedStep{
		{Step: &schema.Step{ID: "a", Position: 1, Name: "Trigger", OutputAlias: "flow"}, Output: map[string]any{"v": "a"}},
		{Step: &schema.Step{ID: "b", Position: 2, Name: "step 1"}, Output: map[string]any{"v": "b"}},
	})

	assert.Equal(t, map[string]any{"v": "a"}, tctx["step_1"])
	assert.Equal(t, map[string]any{"v": "b"}, tctx["step_2"])
	assert.Equal(t, map[string]any{}, tctx[ContextTrigger])
	flow := tctx[ContextFlow].(map[string]any)
	assert.Equal(t, "r1", flow["id"])
}

func TestBuildContext_NilOutput(t *testing.T) {
	tctx := BuildContext(nil, []CompletedStep{{Step: &schema.Step{ID: "a", Position: 1}}})
	assert.Equal(t, map[string]any{}, tctx["step_1"])
	assert.Equal(t, map[string]any{}, tctx[ContextPreviousStep])
}

func TestBuildReport(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)
	run := &store.FlowRun{
		ID: "r1", WorkflowID: "wf", WorkflowName: "Daily", Status: schema.RunStatusFailed,
		TotalSteps: 4, StartedAt: started, Error: "step c failed: boom",
	}
	a := &schema.Step{ID: "a", Position: 1, Type: schema.StepTypeTool}
	b := &schema.Step{ID: "b", Position: 2, Type: schema.StepTypeSkill}
	c := &schema.Step{ID: "c", Position: 3, Type: schema.StepTypeTool}

	aRun := &store.StepRun{Status: schema.StepStatusCompleted, Output: map[string]any{"tool": "weather"},
		Usage: &schema.Usage{InputTokens: 3, CostUSD: 0.1}}
	bRun := &store.StepRun{Status: schema.StepStatusSkipped}
	cFirst := &store.StepRun{Status: schema.StepStatusFailed, Output: map[string]any{"skill": "search"},
		Usage: &schema.Usage{OutputTokens: 4}}
	cLast := &store.StepRun{Status: schema.StepStatusFailed, RetryCount: 1, Error: "boom",
		Output: map[string]any{"tool": "weather"}}

	r := buildReport(run,
		[]stepOutcome{{a, aRun}, {b, bRun}, {c, cLast}},
		[]*store.StepRun{aRun, cFirst, cLast},
		done)

	assert.Equal(t, "r1", r.FlowRunID)
	assert.Equal(t, schema.RunStatusFailed, r.Status)
	assert.Equal(t, 4, r.TotalSteps)
	assert.Equal(t, 1, r.CompletedSteps)
	assert.Equal(t, 1, r.FailedSteps)
	assert.Equal(t, 1, r.SkippedSteps)
	assert.Equal(t, int64(1500), r.DurationMS)
	assert.Equal(t, "step c failed: boom", r.Error)
	assert.Equal(t, []string{"search", "weather"}, r.ToolsUsed)
	assert.Equal(t, schema.Usage{InputTokens: 3, OutputTokens: 4, CostUSD: 0.1}, r.Usage)

	require.Len(t, r.Steps, 3)
	assert.Equal(t, "c", r.Steps[2].StepID)
	assert.Equal(t, 1, r.Steps[2].RetryCount)
	assert.Equal(t, "boom", r.Steps[2].Error)
}

func TestBuildReport_NoSteps(t *testing.T) {
	r := buildReport(&store.FlowRun{ID: "r1"}, nil, nil, time.Now())
	assert.NotNil(t, r.Steps)
	assert.Equal(t, []string{}, r.ToolsUsed)
	assert.True(t, r.Usage.Zero())
}
