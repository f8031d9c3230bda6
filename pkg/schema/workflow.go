package schema

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// WorkflowDefinition is the static description of a workflow: an ordered list
// of typed steps. It is never mutated while a run is in progress.
type WorkflowDefinition struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Steps           []Step          `json:"steps"`
	DefaultAgent    string          `json:"default_agent,omitempty"`
	ExecutionMethod ExecutionMethod `json:"execution_method,omitempty"`
	RecurrenceRule  string          `json:"recurrence_rule,omitempty"` // 5-field cron expression
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	TenantID        string          `json:"tenant_id,omitempty"`
	StrictTrigger   bool            `json:"strict_trigger,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Step is one node of a workflow.
type Step struct {
	ID                string          `json:"id"`
	Position          int             `json:"position"`
	Type              StepType        `json:"type"`
	Name              string          `json:"name,omitempty"`
	OutputAlias       string          `json:"output_alias,omitempty"`
	Config            json.RawMessage `json:"config,omitempty"`
	Condition         string          `json:"condition,omitempty"` // CEL guard, evaluated before execution
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
	MaxRetries        int             `json:"max_retries,omitempty"`
	RetryDelaySeconds float64         `json:"retry_delay_seconds,omitempty"`
	OnFailure         OnFailurePolicy `json:"on_failure,omitempty"`
	AgentID           string          `json:"agent_id,omitempty"`
}

// StepType enumerates the closed set of step kinds.
type StepType string

const (
	StepTypeNotification      StepType = "notification"
	StepTypeMessage           StepType = "message"
	StepTypeTool              StepType = "tool"
	StepTypeConversation      StepType = "conversation"
	StepTypeSkill             StepType = "skill"
	StepTypeSlashCommand      StepType = "slash_command"
	StepTypeSummarization     StepType = "summarization"
	StepTypeSubflow           StepType = "subflow"
	StepTypeBrowserAutomation StepType = "browser_automation"
	StepTypeLegacyTrigger     StepType = "legacy_trigger"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepTypeNotification, StepTypeMessage, StepTypeTool, StepTypeConversation,
	StepTypeSkill, StepTypeSlashCommand, StepTypeSummarization, StepTypeSubflow,
	StepTypeBrowserAutomation, StepTypeLegacyTrigger,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OnFailurePolicy controls what happens to the run after a step's final attempt fails.
type OnFailurePolicy string

const (
	OnFailureStop     OnFailurePolicy = "stop"
	OnFailureSkip     OnFailurePolicy = "skip"
	OnFailureContinue OnFailurePolicy = "continue"
)

// Valid reports whether p is a known policy. The empty policy is valid and means stop.
func (p OnFailurePolicy) Valid() bool {
	switch p {
	case "", OnFailureStop, OnFailureSkip, OnFailureContinue:
		return true
	}
	return false
}

// ExecutionMethod selects how a definition is triggered.
type ExecutionMethod string

const (
	ExecutionImmediate ExecutionMethod = "immediate"
	ExecutionScheduled ExecutionMethod = "scheduled"
	ExecutionRecurring ExecutionMethod = "recurring"
)

// DefaultStepTimeout applies when a step declares no timeout.
const DefaultStepTimeout = 300 * time.Second

// Timeout returns the step's time budget.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return DefaultStepTimeout
}

// Policy returns the effective on-failure policy.
func (s *Step) Policy() OnFailurePolicy {
	if s.OnFailure == "" {
		return OnFailureStop
	}
	return s.OnFailure
}

// RetryDelay returns the base retry delay.
func (s *Step) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds * float64(time.Second))
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeName lower-cases name and collapses runs of separators into "_".
// "Fetch Weather - Daily" becomes "fetch_weather_daily".
func NormalizeName(name string) string {
	n := nonAlnum.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(n, "_")
}

// HasSubflow reports whether any step of the definition is a subflow step.
func (d *WorkflowDefinition) HasSubflow() bool {
	for i := range d.Steps {
		if d.Steps[i].Type == StepTypeSubflow {
			return true
		}
	}
	return false
}
