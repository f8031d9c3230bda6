package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/internal/conversation"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

// Handler executes one step type.
//
// The returned output always carries "status". Expected failures (bad
// configuration, a collaborator saying no) are reported as status "failed"
// plus "error" and a nil Go error; a non-nil error means the handler itself
// broke and is treated by the orchestrator as a failed attempt.
type Handler interface {
	Type() schema.StepType
	Execute(ctx context.Context, step *schema.Step, tctx map[string]any, run *store.FlowRun, sr *store.StepRun) (map[string]any, error)
}

// Dependencies are the collaborators handlers call. Nil collaborators are
// allowed; their handlers then fail with "<name> not configured".
type Dependencies struct {
	Templates     *expressions.TemplateEngine
	Sender        NotificationSender
	Skills        SkillInvoker
	Commands      SlashCommandRunner
	Summarizer    Summarizer
	Browser       BrowserAutomator
	Tools         *tools.Registry
	ExternalTools ExternalToolRunner
	Threads       *conversation.Manager
	Subflows      SubflowRunner
	Logger        *slog.Logger

	// SafetyMargin is kept between a conversation wait and the step timeout.
	SafetyMargin time.Duration
	// PollInterval is the default conversation wait poll interval.
	PollInterval time.Duration
}

// Registry maps each step type to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
	subflow  *subflowHandler
}

// NewRegistry builds the handler for every step type from deps.
func NewRegistry(deps Dependencies) *Registry {
	if deps.Templates == nil {
		deps.Templates = expressions.NewTemplateEngine()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SafetyMargin <= 0 {
		deps.SafetyMargin = conversation.DefaultSafetyMargin
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = conversation.DefaultPollInterval
	}
	b := base{deps: &deps}

	sub := &subflowHandler{base: b}
	sub.runner = deps.Subflows

	r := &Registry{handlers: make(map[schema.StepType]Handler), subflow: sub}
	for _, h := range []Handler{
		&notificationHandler{b},
		&messageHandler{b},
		&toolHandler{b},
		&conversationHandler{b},
		&skillHandler{b},
		&slashCommandHandler{b},
		&summarizationHandler{b},
		sub,
		&browserHandler{b},
		&triggerHandler{b},
	} {
		r.handlers[h.Type()] = h
	}
	return r
}

// Register installs or replaces the handler for its step type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if !h.Type().Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", h.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for t.
func (r *Registry) Get(t schema.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "no handler for step type %q", t)
	}
	return h, nil
}

// Types lists the registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BindSubflows sets the runner used by subflow steps.
func (r *Registry) BindSubflows(runner SubflowRunner) {
	r.subflow.mu.Lock()
	r.subflow.runner = runner
	r.subflow.mu.Unlock()
}

// base carries the shared dependencies into each handler.
type base struct {
	deps *Dependencies
}

// ResolveConfig parses a step's raw config and resolves every template leaf
// against tctx.
func ResolveConfig(templates *expressions.TemplateEngine, step *schema.Step, tctx map[string]any) (map[string]any, error) {
	raw := map[string]any{}
	if len(step.Config) > 0 {
		if err := json.Unmarshal(step.Config, &raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "config is not a JSON object: %s", err.Error()).
				WithStep(step.ID).WithCause(err)
		}
	}
	resolved, _ := templates.ResolveValue(raw, tctx).(map[string]any)
	return resolved, nil
}

// decode resolves and decodes the step config into T.
func decode[T any](b base, step *schema.Step, tctx map[string]any) (*T, error) {
	resolved, err := ResolveConfig(b.deps.Templates, step, tctx)
	if err != nil {
		return nil, err
	}
	return schema.DecodeConfigMap[T](resolved)
}

func failed(msg string) map[string]any {
	return map[string]any{"status": schema.OutputFailed, "error": msg}
}

func failedf(format string, args ...any) map[string]any {
	return failed(fmt.Sprintf(format, args...))
}

func notConfigured(what string) map[string]any {
	return failed(what + " not configured")
}

func withUsage(out map[string]any, u *schema.Usage) map[string]any {
	if !u.Zero() {
		out["usage"] = u.Map()
	}
	return out
}

func statusFor(success bool) string {
	if success {
		return schema.OutputCompleted
	}
	return schema.OutputFailed
}
