package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/conversation"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type conversationHandler struct{ base }

func (h *conversationHandler) Type() schema.StepType { return schema.StepTypeConversation }

// Execute sends the opening message. Multi-turn and waiting conversations get
// a persistent thread; a waiting conversation then blocks until the thread
// finishes or the wait budget, clamped below the step timeout, runs out.
func (h *conversationHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, sr *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.ConversationConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Sender == nil {
		return notConfigured("notification sender"), nil
	}
	if cfg.Recipient == "" || cfg.OpeningMessage == "" {
		return failed("conversation needs a recipient and an opening message"), nil
	}

	needsThread := cfg.MultiTurn || cfg.WaitForCompletion
	if needsThread && h.deps.Threads == nil {
		return notConfigured("conversation manager"), nil
	}

	var th *store.ConversationThread
	if needsThread {
		req := conversation.StartRequest{
			Recipient:      cfg.Recipient,
			Goal:           cfg.Goal,
			OpeningMessage: cfg.OpeningMessage,
			MaxTurns:       cfg.MaxTurns,
			Timeout:        time.Duration(cfg.TimeoutMinutes) * time.Minute,
			StepID:         step.ID,
		}
		if run != nil {
			req.FlowRunID = run.ID
		}
		if sr != nil {
			req.StepRunID = sr.ID
		}
		if th, err = h.deps.Threads.Start(ctx, req); err != nil {
			return nil, err
		}
	}

	ok, err := h.deps.Sender.Send(ctx, cfg.Recipient, cfg.OpeningMessage)
	if err != nil || !ok {
		msg := "opening message was not delivered"
		if err != nil {
			msg = err.Error()
		}
		if th != nil {
			if _, serr := h.deps.Threads.SetStatus(ctx, th.ID, schema.ThreadStatusTimeout); serr != nil {
				h.deps.Logger.WarnContext(ctx, "close undelivered thread", slog.String("error", serr.Error()))
			}
		}
		return failed(msg), nil
	}

	out := map[string]any{
		"status":    schema.OutputStarted,
		"recipient": cfg.Recipient,
	}
	if th == nil {
		return out, nil
	}
	out["thread_id"] = th.ID
	if !cfg.WaitForCompletion {
		return out, nil
	}

	opts := conversation.WaitOptions{
		MaxWait:      conversation.ClampMaxWait(seconds(cfg.MaxWaitSeconds), step.Timeout(), h.deps.SafetyMargin),
		PollInterval: seconds(cfg.PollIntervalSeconds),
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = h.deps.PollInterval
	}
	res, err := h.deps.Threads.Wait(ctx, th.ID, opts)
	if err != nil {
		return nil, err
	}

	out["thread_status"] = string(res.Thread.Status)
	out["turns"] = res.Thread.CurrentTurn
	out["transcript"] = toAnySlice(conversation.Transcript(res.Thread))
	out["waited_seconds"] = res.Waited.Seconds()
	switch {
	case res.TimedOut, res.Thread.Status == schema.ThreadStatusTimeout:
		out["status"] = schema.OutputTimeout
		out["error"] = "conversation did not finish within the wait budget"
	default:
		out["status"] = schema.OutputCompleted
	}
	return out, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func toAnySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}
