package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// ReportSink receives every terminal run report, e.g. to archive it.
type ReportSink interface {
	StoreReport(ctx context.Context, report *schema.RunReport) error
}

// ReportSinkFunc adapts a function to ReportSink.
type ReportSinkFunc func(ctx context.Context, report *schema.RunReport) error

func (f ReportSinkFunc) StoreReport(ctx context.Context, report *schema.RunReport) error {
	return f(ctx, report)
}

// stepOutcome is the final recorded attempt of one step.
type stepOutcome struct {
	step *schema.Step
	run  *store.StepRun
}

// buildReport aggregates the final attempt of each executed step into the
// run report. Usage is summed over every attempt; tools are the distinct
// tool and skill names the steps reported.
func buildReport(run *store.FlowRun, outcomes []stepOutcome, attempts []*store.StepRun, completedAt time.Time) *schema.RunReport {
	r := &schema.RunReport{
		FlowRunID:    run.ID,
		WorkflowID:   run.WorkflowID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		TotalSteps:   run.TotalSteps,
		Steps:        make([]schema.StepReport, 0, len(outcomes)),
		StartedAt:    run.StartedAt,
		CompletedAt:  completedAt,
		DurationMS:   completedAt.Sub(run.StartedAt).Milliseconds(),
		ToolsUsed:    []string{},
		Error:        run.Error,
	}

	tools := make(map[string]struct{})
	for _, o := range outcomes {
		sr := o.run
		r.Steps = append(r.Steps, schema.StepReport{
			StepID:     o.step.ID,
			Position:   o.step.Position,
			Name:       o.step.Name,
			Type:       o.step.Type,
			Status:     sr.Status,
			RetryCount: sr.RetryCount,
			DurationMS: sr.DurationMS,
			Error:      sr.Error,
		})
		switch sr.Status {
		case schema.StepStatusCompleted:
			r.CompletedSteps++
		case schema.StepStatusFailed:
			r.FailedSteps++
		case schema.StepStatusSkipped:
			r.SkippedSteps++
		}
	}
	for _, a := range attempts {
		r.Usage.Add(a.Usage)
		for _, key := range []string{"tool", "skill"} {
			if name, ok := a.Output[key].(string); ok && name != "" {
				tools[name] = struct{}{}
			}
		}
	}
	for name := range tools {
		r.ToolsUsed = append(r.ToolsUsed, name)
	}
	sort.Strings(r.ToolsUsed)
	return r
}
