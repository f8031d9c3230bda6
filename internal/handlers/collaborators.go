package handlers

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

// NotificationSender delivers one text to one recipient. The implementation
// locates the tenant's messaging endpoint itself.
type NotificationSender interface {
	Send(ctx context.Context, recipient, text string) (bool, error)
}

// SkillRequest asks the capability dispatcher to run a skill. Exactly one of
// Prompt (prompt mode) or Arguments (tool mode) is meaningful.
type SkillRequest struct {
	Skill     string
	Mode      schema.SkillMode
	Prompt    string
	Arguments map[string]any
	AgentID   string
	TenantID  string
	FlowRunID string
}

// SkillResult is the dispatcher's answer.
type SkillResult struct {
	Success  bool
	Output   any
	Metadata map[string]any
	Usage    *schema.Usage
}

// SkillInvoker is the capability/skill dispatcher.
type SkillInvoker interface {
	Invoke(ctx context.Context, req SkillRequest) (*SkillResult, error)
}

// CommandRequest runs a chat slash command on behalf of an agent.
type CommandRequest struct {
	Command   string
	Args      string
	AgentID   string
	TenantID  string
	FlowRunID string
}

// CommandResult is the command's reply.
type CommandResult struct {
	Success bool
	Output  string
}

// SlashCommandRunner executes slash commands.
type SlashCommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// SummaryRequest asks the language model for a summary of Text.
type SummaryRequest struct {
	Text         string
	Instructions string
	MaxLength    int
	AgentID      string
}

// SummaryResult carries the summary and what it cost.
type SummaryResult struct {
	Summary string
	Usage   *schema.Usage
}

// Summarizer is the language-model client used for summarization.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error)
}

// BrowserTask describes a browser automation job.
type BrowserTask struct {
	URL      string
	Task     string
	MaxSteps int
	AgentID  string
}

// BrowserResult is the automation outcome.
type BrowserResult struct {
	Success    bool
	Result     string
	StepsTaken int
	Usage      *schema.Usage
}

// BrowserAutomator drives a headless browser.
type BrowserAutomator interface {
	Run(ctx context.Context, task BrowserTask) (*BrowserResult, error)
}

// ExternalToolRunner runs sandboxed tools that are not built in.
type ExternalToolRunner interface {
	RunTool(ctx context.Context, name string, params map[string]any) (*tools.Output, error)
}

// SubflowRequest invokes a nested workflow. Depth is the parent run's depth.
type SubflowRequest struct {
	WorkflowID  string
	ParentRunID string
	Depth       int
	TenantID    string
	Trigger     schema.Trigger
}

// SubflowRunner runs a nested workflow to completion. The orchestrator
// implements it and is bound after the registry is built.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, req SubflowRequest) (*store.FlowRun, error)
}
