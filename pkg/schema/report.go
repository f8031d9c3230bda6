package schema

import "time"

// Trigger carries what started a run.
type Trigger struct {
	Context     map[string]any `json:"context,omitempty"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
	Source      string         `json:"source,omitempty"` // manual, schedule, subflow, mcp, cli
}

// Usage is token and cost accounting reported by handlers.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// Zero reports whether nothing was recorded.
func (u *Usage) Zero() bool {
	return u == nil || (u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0)
}

// Map renders u the way handlers put it under an output's "usage" key.
func (u *Usage) Map() map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"cost_usd":      u.CostUSD,
	}
}

// UsageFromOutput reads the "usage" key of a handler output. Numbers may be
// Go integers or JSON float64s.
func UsageFromOutput(out map[string]any) *Usage {
	m, ok := out["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &Usage{
		InputTokens:  int64(number(m["input_tokens"])),
		OutputTokens: int64(number(m["output_tokens"])),
		CostUSD:      number(m["cost_usd"]),
	}
	if u.Zero() {
		return nil
	}
	return u
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

// StepReport summarizes the final attempt of one step.
type StepReport struct {
	StepID     string     `json:"step_id"`
	Position   int        `json:"position"`
	Name       string     `json:"name,omitempty"`
	Type       StepType   `json:"type"`
	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// RunReport is produced exactly once, when a run reaches a terminal state.
type RunReport struct {
	FlowRunID      string            `json:"flow_run_id"`
	WorkflowID     string            `json:"workflow_id"`
	WorkflowName   string            `json:"workflow_name,omitempty"`
	Status         RunStatus         `json:"status"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	FailedSteps    int               `json:"failed_steps"`
	SkippedSteps   int               `json:"skipped_steps"`
	Steps          []StepReport      `json:"steps"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	DurationMS     int64             `json:"duration_ms"`
	Usage          Usage             `json:"usage"`
	ToolsUsed      []string          `json:"tools_used"`
	Error          string            `json:"error,omitempty"`
	Validation     *ValidationResult `json:"validation,omitempty"`
}
