package handlers

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func agentFor(step *schema.Step, run *store.FlowRun) (agentID, tenantID, runID string) {
	agentID = step.AgentID
	if run != nil {
		tenantID, runID = run.TenantID, run.ID
	}
	return
}

// --- skill ---

type skillHandler struct{ base }

func (h *skillHandler) Type() schema.StepType { return schema.StepTypeSkill }

// Execute dispatches to the skill collaborator. Without an explicit mode,
// a config with arguments runs in tool mode and one without in prompt mode.
func (h *skillHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.SkillConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Skills == nil {
		return notConfigured("skill invoker"), nil
	}
	if cfg.Skill == "" {
		return failed("skill name is empty"), nil
	}
	mode := cfg.Mode
	if mode == "" {
		mode = schema.SkillModePrompt
		if len(cfg.Arguments) > 0 {
			mode = schema.SkillModeTool
		}
	}
	req := SkillRequest{Skill: cfg.Skill, Mode: mode}
	switch mode {
	case schema.SkillModePrompt:
		if cfg.Prompt == "" {
			return failed("prompt mode needs a prompt"), nil
		}
		req.Prompt = cfg.Prompt
	case schema.SkillModeTool:
		req.Arguments = cfg.Arguments
	default:
		return failedf("unknown skill mode %q", mode), nil
	}
	req.AgentID, req.TenantID, req.FlowRunID = agentFor(step, run)

	res, err := h.deps.Skills.Invoke(ctx, req)
	if err != nil {
		out := failed(err.Error())
		out["skill"] = cfg.Skill
		return out, nil
	}
	out := map[string]any{
		"status":   statusFor(res.Success),
		"skill":    cfg.Skill,
		"mode":     string(mode),
		"output":   res.Output,
		"metadata": res.Metadata,
	}
	if !res.Success {
		out["error"] = "skill reported failure"
	}
	return withUsage(out, res.Usage), nil
}

// --- slash command ---

type slashCommandHandler struct{ base }

func (h *slashCommandHandler) Type() schema.StepType { return schema.StepTypeSlashCommand }

func (h *slashCommandHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.SlashCommandConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Commands == nil {
		return notConfigured("slash command runner"), nil
	}
	if cfg.Command == "" {
		return failed("command is empty"), nil
	}
	req := CommandRequest{Command: cfg.Command, Args: cfg.Args}
	req.AgentID, req.TenantID, req.FlowRunID = agentFor(step, run)

	res, err := h.deps.Commands.Run(ctx, req)
	if err != nil {
		return failed(err.Error()), nil
	}
	out := map[string]any{
		"status":  statusFor(res.Success),
		"command": cfg.Command,
		"output":  res.Output,
	}
	if !res.Success {
		out["error"] = res.Output
	}
	return out, nil
}

// --- summarization ---

type summarizationHandler struct{ base }

func (h *summarizationHandler) Type() schema.StepType { return schema.StepTypeSummarization }

func (h *summarizationHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.SummarizationConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Summarizer == nil {
		return notConfigured("summarizer"), nil
	}
	if cfg.Source == "" {
		return failed("nothing to summarize: source resolved to empty text"), nil
	}
	res, err := h.deps.Summarizer.Summarize(ctx, SummaryRequest{
		Text:         cfg.Source,
		Instructions: cfg.Instructions,
		MaxLength:    cfg.MaxLength,
		AgentID:      step.AgentID,
	})
	if err != nil {
		return failed(err.Error()), nil
	}
	return withUsage(map[string]any{
		"status":  schema.OutputCompleted,
		"summary": res.Summary,
	}, res.Usage), nil
}

// --- browser automation ---

type browserHandler struct{ base }

func (h *browserHandler) Type() schema.StepType { return schema.StepTypeBrowserAutomation }

func (h *browserHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.BrowserConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Browser == nil {
		return notConfigured("browser automator"), nil
	}
	if cfg.Task == "" {
		return failed("browser task is empty"), nil
	}
	res, err := h.deps.Browser.Run(ctx, BrowserTask{
		URL:      cfg.URL,
		Task:     cfg.Task,
		MaxSteps: cfg.MaxSteps,
		AgentID:  step.AgentID,
	})
	if err != nil {
		return failed(err.Error()), nil
	}
	out := map[string]any{
		"status":      statusFor(res.Success),
		"result":      res.Result,
		"steps_taken": res.StepsTaken,
	}
	if !res.Success {
		out["error"] = "browser task did not succeed"
	}
	return withUsage(out, res.Usage), nil
}
