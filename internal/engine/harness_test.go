package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ context.Context, recipient, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipient+": "+text)
	return true, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// scriptedHandler replaces the tool handler; fn decides each call's outcome.
type scriptedHandler struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, step *schema.Step) (map[string]any, error)
}

func (h *scriptedHandler) Type() schema.StepType { return schema.StepTypeTool }

func (h *scriptedHandler) Execute(ctx context.Context, step *schema.Step, _ map[string]any, _ *store.FlowRun, _ *store.StepRun) (map[string]any, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	return h.fn(ctx, call, step)
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type harness struct {
	store  *store.MemoryStore
	sender *fakeSender
	reg    *handlers.Registry
	orch   *Orchestrator

	mu      sync.Mutex
	sleeps  []time.Duration
	reports []*schema.RunReport
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), sender: &fakeSender{}}
	h.reg = handlers.NewRegistry(handlers.Dependencies{Sender: h.sender})
	base := []Option{
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		}),
		WithReportSink(ReportSinkFunc(func(_ context.Context, r *schema.RunReport) error {
			h.mu.Lock()
			h.reports = append(h.reports, r)
			h.mu.Unlock()
			return nil
		})),
	}
	orch, err := New(h.store, h.reg, append(base, opts...)...)
	require.NoError(t, err)
	h.orch = orch
	return h
}

// script installs fn as the tool handler.
func (h *harness) script(t *testing.T, fn func(ctx context.Context, call int, step *schema.Step) (map[string]any, error)) *scriptedHandler {
	t.Helper()
	sh := &scriptedHandler{fn: fn}
	require.NoError(t, h.reg.Register(sh))
	return sh
}

func (h *harness) saveDef(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.store.SaveDefinition(context.Background(), def))
}

func (h *harness) msgStep(id string, pos int, text string) schema.Step {
	raw, _ := json.Marshal(map[string]any{"recipient": "u1", "text": text})
	return schema.Step{ID: id, Position: pos, Type: schema.StepTypeMessage, Config: raw}
}

func toolStep(id string, pos int) schema.Step {
	return schema.Step{ID: id, Position: pos, Type: schema.StepTypeTool, Config: json.RawMessage(`{"tool":"scripted"}`)}
}

func (h *harness) stepRuns(t *testing.T, runID string) []*store.StepRun {
	t.Helper()
	srs, err := h.store.ListStepRuns(context.Background(), runID)
	require.NoError(t, err)
	return srs
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	evs, err := h.store.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func ok(out map[string]any) func(context.Context, int, *schema.Step) (map[string]any, error) {
	return func(context.Context, int, *schema.Step) (map[string]any, error) { return out, nil }
}
