package handlers

import (
	"context"
	"log/slog"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type notificationHandler struct{ base }

func (h *notificationHandler) Type() schema.StepType { return schema.StepTypeNotification }

// Execute sends the message to each recipient and reports delivery per
// recipient. The step fails only when nothing was delivered.
func (h *notificationHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.NotificationConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Sender == nil {
		return notConfigured("notification sender"), nil
	}
	recipients := cfg.AllRecipients()
	if len(recipients) == 0 {
		return failed("no recipients resolved"), nil
	}
	if cfg.Message == "" {
		return failed("message resolved to empty text"), nil
	}

	results := make([]any, 0, len(recipients))
	delivered := 0
	for _, r := range recipients {
		ok, err := h.deps.Sender.Send(ctx, r, cfg.Message)
		entry := map[string]any{"recipient": r, "delivered": ok && err == nil}
		if err != nil {
			entry["error"] = err.Error()
			h.deps.Logger.WarnContext(ctx, "notification delivery failed",
				slog.String("recipient", r), slog.String("error", err.Error()))
		}
		if ok && err == nil {
			delivered++
		}
		results = append(results, entry)
	}

	out := map[string]any{
		"status":     schema.OutputCompleted,
		"message":    cfg.Message,
		"delivered":  delivered,
		"recipients": results,
	}
	if delivered == 0 {
		out["status"] = schema.OutputFailed
		out["error"] = "delivery failed for every recipient"
	}
	return out, nil
}

type messageHandler struct{ base }

func (h *messageHandler) Type() schema.StepType { return schema.StepTypeMessage }

func (h *messageHandler) Execute(ctx context.Context, step *schema.Step, tctx map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	cfg, err := decode[schema.MessageConfig](h.base, step, tctx)
	if err != nil {
		return failed(err.Error()), nil
	}
	if h.deps.Sender == nil {
		return notConfigured("notification sender"), nil
	}
	if cfg.Recipient == "" || cfg.Text == "" {
		return failed("message needs a recipient and text"), nil
	}
	ok, err := h.deps.Sender.Send(ctx, cfg.Recipient, cfg.Text)
	if err != nil {
		return failedf("send to %s: %s", cfg.Recipient, err.Error()), nil
	}
	if !ok {
		return failedf("message to %s was not delivered", cfg.Recipient), nil
	}
	return map[string]any{
		"status":    schema.OutputSent,
		"recipient": cfg.Recipient,
		"message":   cfg.Text,
	}, nil
}
