package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

// Config values may hold templates, so non-string fields also accept a
// string that resolves to the right type at run time.
const (
	intOrTemplate    = `{"type": ["integer", "string"]}`
	numberOrTemplate = `{"type": ["number", "string"]}`
	boolOrTemplate   = `{"type": ["boolean", "string"]}`
	objectOrTemplate = `{"type": ["object", "string"]}`
	listOrTemplate   = `{"type": ["array", "string"], "items": {"type": "string"}}`
	text             = `{"type": "string"}`
)

// configSchemas holds the JSON Schema (draft 2020-12) of each step type's config.
var configSchemas = map[schema.StepType]string{
	schema.StepTypeNotification: `{
  "type": "object",
  "required": ["message"],
  "anyOf": [{"required": ["recipients"]}, {"required": ["recipient"]}],
  "properties": {
    "recipients": ` + listOrTemplate + `,
    "recipient": ` + text + `,
    "message": ` + text + `,
    "channel": ` + text + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeMessage: `{
  "type": "object",
  "required": ["recipient", "text"],
  "properties": {
    "recipient": ` + text + `,
    "text": ` + text + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeTool: `{
  "type": "object",
  "required": ["tool"],
  "properties": {
    "tool": {"type": "string", "minLength": 1},
    "params": ` + objectOrTemplate + `,
    "summary": ` + text + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeConversation: `{
  "type": "object",
  "required": ["recipient", "opening_message"],
  "properties": {
    "recipient": ` + text + `,
    "opening_message": ` + text + `,
    "goal": ` + text + `,
    "multi_turn": ` + boolOrTemplate + `,
    "max_turns": ` + intOrTemplate + `,
    "timeout_minutes": ` + intOrTemplate + `,
    "wait_for_completion": ` + boolOrTemplate + `,
    "max_wait_seconds": ` + numberOrTemplate + `,
    "poll_interval_seconds": ` + numberOrTemplate + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeSkill: `{
  "type": "object",
  "required": ["skill"],
  "properties": {
    "skill": {"type": "string", "minLength": 1},
    "mode": {"enum": ["prompt", "tool"]},
    "prompt": ` + text + `,
    "arguments": ` + objectOrTemplate + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeSlashCommand: `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": ` + text + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeSummarization: `{
  "type": "object",
  "required": ["source"],
  "properties": {
    "source": ` + text + `,
    "instructions": ` + text + `,
    "max_length": ` + intOrTemplate + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeSubflow: `{
  "type": "object",
  "required": ["workflow_id"],
  "properties": {
    "workflow_id": {"type": "string", "minLength": 1},
    "input_mapping": {"type": "object"},
    "isolated": {"type": "boolean"}
  },
  "additionalProperties": false
}`,
	schema.StepTypeBrowserAutomation: `{
  "type": "object",
  "required": ["task"],
  "properties": {
    "url": ` + text + `,
    "task": ` + text + `,
    "max_steps": ` + intOrTemplate + `
  },
  "additionalProperties": false
}`,
	schema.StepTypeLegacyTrigger: `{
  "type": "object",
  "properties": {
    "event": ` + text + `,
    "keywords": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`,
}

// ConfigValidator checks step configs against their per-type schema.
// Schemas are compiled once; the validator is safe for concurrent use.
type ConfigValidator struct {
	schemas map[schema.StepType]*jsonschema.Schema
}

// NewConfigValidator compiles the schema of every step type.
func NewConfigValidator() (*ConfigValidator, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()

	out := &ConfigValidator{schemas: make(map[schema.StepType]*jsonschema.Schema, len(configSchemas))}
	for t, src := range configSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", t, err)
		}
		url := "https://opflow.dev/schemas/config/" + string(t) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", t, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", t, err)
		}
		out.schemas[t] = compiled
	}
	return out, nil
}

// Validate returns one message per schema violation of raw. An empty
// config is checked as an empty object.
func (v *ConfigValidator) Validate(t schema.StepType, raw json.RawMessage) []string {
	s, ok := v.schemas[t]
	if !ok {
		return []string{fmt.Sprintf("no config schema for step type %q", t)}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return []string{"config is not valid JSON: " + err.Error()}
	}
	if err := s.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []string{err.Error()}
		}
		return collectViolations(verr)
	}
	return nil
}

// collectViolations walks a ValidationError tree and collects the leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
