package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

type sentMessage struct{ recipient, text string }

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	reject map[string]bool
	err    error
}

func (f *fakeSender) Send(_ context.Context, recipient, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.sent = append(f.sent, sentMessage{recipient, text})
	return !f.reject[recipient], nil
}

type fakeSkills struct {
	got SkillRequest
	res *SkillResult
	err error
}

func (f *fakeSkills) Invoke(_ context.Context, req SkillRequest) (*SkillResult, error) {
	f.got = req
	return f.res, f.err
}

type fakeCommands struct{ got CommandRequest }

func (f *fakeCommands) Run(_ context.Context, req CommandRequest) (*CommandResult, error) {
	f.got = req
	if req.Command == "/fail" {
		return &CommandResult{Success: false, Output: "unknown command"}, nil
	}
	return &CommandResult{Success: true, Output: "ran " + req.Command + " " + req.Args}, nil
}

type fakeSummarizer struct{ got SummaryRequest }

func (f *fakeSummarizer) Summarize(_ context.Context, req SummaryRequest) (*SummaryResult, error) {
	f.got = req
	return &SummaryResult{Summary: "short", Usage: &schema.Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.002}}, nil
}

type fakeBrowser struct{}

func (fakeBrowser) Run(_ context.Context, task BrowserTask) (*BrowserResult, error) {
	if task.URL == "" {
		return nil, errors.New("browser crashed")
	}
	return &BrowserResult{Success: true, Result: "title: " + task.URL, StepsTaken: 3}, nil
}

type fakeExternal struct{ calls []string }

func (f *fakeExternal) RunTool(_ context.Context, name string, params map[string]any) (*tools.Output, error) {
	f.calls = append(f.calls, name)
	return &tools.Output{Result: params, Summary: "external " + name}, nil
}

type fakeSubflows struct {
	got SubflowRequest
	run *store.FlowRun
	err error
}

func (f *fakeSubflows) RunSubflow(_ context.Context, req SubflowRequest) (*store.FlowRun, error) {
	f.got = req
	return f.run, f.err
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func stepOf(t *testing.T, typ schema.StepType, cfg any) *schema.Step {
	t.Helper()
	return &schema.Step{ID: "s1", Position: 1, Type: typ, Config: mustJSON(t, cfg), AgentID: "agent-1"}
}

func testRun() *store.FlowRun {
	return &store.FlowRun{ID: "run-1", TenantID: "acme", Depth: 0, TriggerContext: map[string]any{"user": "u1"}}
}

func execute(t *testing.T, reg *Registry, step *schema.Step, tctx map[string]any) map[string]any {
	t.Helper()
	h, err := reg.Get(step.Type)
	require.NoError(t, err)
	out, err := h.Execute(context.Background(), step, tctx, testRun(), &store.StepRun{ID: "sr-1"})
	require.NoError(t, err)
	require.Contains(t, out, "status")
	return out
}
