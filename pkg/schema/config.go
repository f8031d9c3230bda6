package schema

import (
	"encoding/json"
	"fmt"
)

// NotificationConfig sends one text to one or more recipients.
type NotificationConfig struct {
	Recipients []string `json:"recipients,omitempty"`
	Recipient  string   `json:"recipient,omitempty"`
	Message    string   `json:"message"`
	Channel    string   `json:"channel,omitempty"`
}

// AllRecipients merges the single and list forms, dropping blanks.
func (c *NotificationConfig) AllRecipients() []string {
	out := make([]string, 0, len(c.Recipients)+1)
	if c.Recipient != "" {
		out = append(out, c.Recipient)
	}
	for _, r := range c.Recipients {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// MessageConfig sends a single message to the workflow's user.
type MessageConfig struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// ToolConfig invokes a named built-in or external tool.
type ToolConfig struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params,omitempty"`
	Summary string         `json:"summary,omitempty"`
}

// ConversationConfig opens a conversation and optionally waits for it to finish.
type ConversationConfig struct {
	Recipient           string  `json:"recipient"`
	OpeningMessage      string  `json:"opening_message"`
	Goal                string  `json:"goal,omitempty"`
	MultiTurn           bool    `json:"multi_turn,omitempty"`
	MaxTurns            int     `json:"max_turns,omitempty"`
	TimeoutMinutes      int     `json:"timeout_minutes,omitempty"`
	WaitForCompletion   bool    `json:"wait_for_completion,omitempty"`
	MaxWaitSeconds      float64 `json:"max_wait_seconds,omitempty"`
	PollIntervalSeconds float64 `json:"poll_interval_seconds,omitempty"`
}

// SkillMode selects how arguments reach a skill.
type SkillMode string

const (
	SkillModePrompt SkillMode = "prompt"
	SkillModeTool   SkillMode = "tool"
)

// SkillConfig dispatches to the capability collaborator.
type SkillConfig struct {
	Skill     string         `json:"skill"`
	Mode      SkillMode      `json:"mode,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// SlashCommandConfig runs a chat slash command.
type SlashCommandConfig struct {
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
}

// SummarizationConfig asks the language-model collaborator for a summary.
type SummarizationConfig struct {
	Source       string `json:"source"`
	Instructions string `json:"instructions,omitempty"`
	MaxLength    int    `json:"max_length,omitempty"`
}

// SubflowConfig invokes another workflow definition.
type SubflowConfig struct {
	WorkflowID   string         `json:"workflow_id"`
	InputMapping map[string]any `json:"input_mapping,omitempty"`
	// Isolated drops the parent context and passes only the mapped fields.
	Isolated bool `json:"isolated,omitempty"`
}

// BrowserConfig drives the browser automation collaborator.
type BrowserConfig struct {
	URL      string `json:"url,omitempty"`
	Task     string `json:"task"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// LegacyTriggerConfig describes the trigger step of strict-mode workflows.
type LegacyTriggerConfig struct {
	Event    string   `json:"event,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// NewConfig returns a zero config value for the step type.
func NewConfig(t StepType) (any, error) {
	switch t {
	case StepTypeNotification:
		return &NotificationConfig{}, nil
	case StepTypeMessage:
		return &MessageConfig{}, nil
	case StepTypeTool:
		return &ToolConfig{}, nil
	case StepTypeConversation:
		return &ConversationConfig{}, nil
	case StepTypeSkill:
		return &SkillConfig{}, nil
	case StepTypeSlashCommand:
		return &SlashCommandConfig{}, nil
	case StepTypeSummarization:
		return &SummarizationConfig{}, nil
	case StepTypeSubflow:
		return &SubflowConfig{}, nil
	case StepTypeBrowserAutomation:
		return &BrowserConfig{}, nil
	case StepTypeLegacyTrigger:
		return &LegacyTriggerConfig{}, nil
	}
	return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", t)
}

// DecodeConfig unmarshals raw into the typed config of T.
func DecodeConfig[T any](raw json.RawMessage) (*T, error) {
	var cfg T
	if len(raw) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %T: %s", cfg, err.Error()).WithCause(err)
	}
	return &cfg, nil
}

// DecodeConfigMap turns a resolved config mapping into the typed config of T.
func DecodeConfigMap[T any](m map[string]any) (*T, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return DecodeConfig[T](raw)
}

// ToMap converts a JSON-serializable value into plain map[string]any form.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal %T into map: %w", v, err)
	}
	return m, nil
}
