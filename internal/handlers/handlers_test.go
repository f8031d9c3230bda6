package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/conversation"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

func TestRegistry_CoversEveryStepType(t *testing.T) {
	reg := NewRegistry(Dependencies{})
	assert.Len(t, reg.Types(), len(schema.StepTypes))
	for _, st := range schema.StepTypes {
		h, err := reg.Get(st)
		require.NoError(t, err, st)
		assert.Equal(t, st, h.Type())
	}
	_, err := reg.Get("teleport")
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.ErrorCode(err))
}

type customHandler struct{}

func (customHandler) Type() schema.StepType { return schema.StepTypeMessage }
func (customHandler) Execute(context.Context, *schema.Step, map[string]any, *store.FlowRun, *store.StepRun) (map[string]any, error) {
	return map[string]any{"status": "custom"}, nil
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry(Dependencies{})
	require.NoError(t, reg.Register(customHandler{}))
	out := execute(t, reg, stepOf(t, schema.StepTypeMessage, map[string]any{}), nil)
	assert.Equal(t, "custom", out["status"])
	assert.Error(t, reg.Register(nil))
}

func TestNilCollaboratorsFailCleanly(t *testing.T) {
	reg := NewRegistry(Dependencies{})
	cases := map[schema.StepType]any{
		schema.StepTypeNotification:      map[string]any{"recipient": "a", "message": "m"},
		schema.StepTypeMessage:           map[string]any{"recipient": "a", "text": "m"},
		schema.StepTypeConversation:      map[string]any{"recipient": "a", "opening_message": "m"},
		schema.StepTypeSkill:             map[string]any{"skill": "x", "prompt": "p"},
		schema.StepTypeSlashCommand:      map[string]any{"command": "/x"},
		schema.StepTypeSummarization:     map[string]any{"source": "text"},
		schema.StepTypeSubflow:           map[string]any{"workflow_id": "wf"},
		schema.StepTypeBrowserAutomation: map[string]any{"task": "t"},
		schema.StepTypeTool:              map[string]any{"tool": "mystery"},
	}
	for typ, cfg := range cases {
		out := execute(t, reg, stepOf(t, typ, cfg), nil)
		assert.Equal(t, schema.OutputFailed, out["status"], typ)
		assert.NotEmpty(t, out["error"], typ)
	}
	out := execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "x"}), nil)
	assert.Equal(t, "skill invoker not configured", out["error"])
}

func TestResolveConfig(t *testing.T) {
	step := &schema.Step{ID: "s", Config: []byte(`{"text":"Hi {{user.name}}","items":"{{user.tags}}","n":3}`)}
	got, err := ResolveConfig(expressions.NewTemplateEngine(), step, map[string]any{"user": map[string]any{"name": "Ana", "tags": []any{"a"}}})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana", got["text"])
	assert.Equal(t, []any{"a"}, got["items"])
	assert.Equal(t, 3.0, got["n"])

	_, err = ResolveConfig(expressions.NewTemplateEngine(), &schema.Step{Config: []byte(`[1]`)}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	empty, err := ResolveConfig(expressions.NewTemplateEngine(), &schema.Step{}, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBadConfigTypeIsFailedOutput(t *testing.T) {
	reg := NewRegistry(Dependencies{Sender: &fakeSender{}})
	out := execute(t, reg, stepOf(t, schema.StepTypeMessage, map[string]any{"recipient": 42}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])
}

func TestNotification(t *testing.T) {
	sender := &fakeSender{reject: map[string]bool{"bad": true}}
	reg := NewRegistry(Dependencies{Sender: sender})
	tctx := map[string]any{"fetch": map[string]any{"city": "Lisbon"}}

	out := execute(t, reg, stepOf(t, schema.StepTypeNotification, map[string]any{
		"recipients": []any{"good", "bad"},
		"message":    "Weather in {{fetch.city}}",
	}), tctx)

	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, 1, out["delivered"])
	assert.Equal(t, "Weather in Lisbon", out["message"])
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Weather in Lisbon", sender.sent[0].text)

	results := out["recipients"].([]any)
	assert.Equal(t, true, results[0].(map[string]any)["delivered"])
	assert.Equal(t, false, results[1].(map[string]any)["delivered"])
}

func TestNotification_AllFailed(t *testing.T) {
	reg := NewRegistry(Dependencies{Sender: &fakeSender{err: errors.New("endpoint down")}})
	out := execute(t, reg, stepOf(t, schema.StepTypeNotification, map[string]any{"recipient": "a", "message": "m"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])
	assert.Equal(t, 0, out["delivered"])

	out = execute(t, reg, stepOf(t, schema.StepTypeNotification, map[string]any{"recipient": "{{nobody}}", "message": "m"}), nil)
	assert.Equal(t, "no recipients resolved", out["error"])
}

func TestMessage(t *testing.T) {
	sender := &fakeSender{reject: map[string]bool{"blocked": true}}
	reg := NewRegistry(Dependencies{Sender: sender})

	out := execute(t, reg, stepOf(t, schema.StepTypeMessage, map[string]any{"recipient": "{{flow.user}}", "text": "hello"}),
		map[string]any{"flow": map[string]any{"user": "ana"}})
	assert.Equal(t, schema.OutputSent, out["status"])
	assert.Equal(t, "ana", out["recipient"])
	assert.True(t, schema.OutputSucceeded(out))

	out = execute(t, reg, stepOf(t, schema.StepTypeMessage, map[string]any{"recipient": "blocked", "text": "hello"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])
}

func TestTool_BuiltinAndExternal(t *testing.T) {
	treg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(treg))
	ext := &fakeExternal{}
	reg := NewRegistry(Dependencies{Tools: treg, ExternalTools: ext})
	tctx := map[string]any{"step_1": map[string]any{"items": []any{1.0, 2.0, 3.0}}}

	out := execute(t, reg, stepOf(t, schema.StepTypeTool, map[string]any{
		"tool":   "jq",
		"params": map[string]any{"filter": "map(. * 2)", "input": "{{step_1.items}}"},
	}), tctx)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "jq", out["tool"])
	assert.Equal(t, []any{2.0, 4.0, 6.0}, out["result"])

	out = execute(t, reg, stepOf(t, schema.StepTypeTool, map[string]any{
		"tool": "flight_search", "params": map[string]any{"to": "LIS"}, "summary": "searched",
	}), nil)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "searched", out["summary"])
	assert.Equal(t, []string{"flight_search"}, ext.calls)

	out = execute(t, reg, stepOf(t, schema.StepTypeTool, map[string]any{"tool": "jq", "params": map[string]any{}}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])
	assert.Equal(t, "jq", out["tool"])
}

func TestSkill_Modes(t *testing.T) {
	skills := &fakeSkills{res: &SkillResult{
		Success: true, Output: "done", Metadata: map[string]any{"k": "v"},
		Usage: &schema.Usage{InputTokens: 5},
	}}
	reg := NewRegistry(Dependencies{Skills: skills})

	out := execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "weather", "prompt": "weather in {{city}}"}),
		map[string]any{"city": "Porto"})
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "prompt", out["mode"])
	assert.Equal(t, "weather in Porto", skills.got.Prompt)
	assert.Equal(t, "agent-1", skills.got.AgentID)
	assert.Equal(t, "acme", skills.got.TenantID)
	assert.Equal(t, int64(5), schema.UsageFromOutput(out).InputTokens)

	out = execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "weather", "arguments": map[string]any{"city": "{{city}}"}}),
		map[string]any{"city": "Faro"})
	assert.Equal(t, "tool", out["mode"])
	assert.Equal(t, map[string]any{"city": "Faro"}, skills.got.Arguments)

	out = execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "weather", "mode": "telepathy"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])

	skills.res = &SkillResult{Success: false}
	out = execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "weather", "prompt": "x"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])

	skills.err = errors.New("dispatcher offline")
	out = execute(t, reg, stepOf(t, schema.StepTypeSkill, map[string]any{"skill": "weather", "prompt": "x"}), nil)
	assert.Equal(t, "dispatcher offline", out["error"])
}

func TestSlashCommandSummarizationBrowser(t *testing.T) {
	cmds := &fakeCommands{}
	sum := &fakeSummarizer{}
	reg := NewRegistry(Dependencies{Commands: cmds, Summarizer: sum, Browser: fakeBrowser{}})

	out := execute(t, reg, stepOf(t, schema.StepTypeSlashCommand, map[string]any{"command": "/remind", "args": "{{when}}"}),
		map[string]any{"when": "tomorrow"})
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "ran /remind tomorrow", out["output"])
	assert.Equal(t, "run-1", cmds.got.FlowRunID)

	out = execute(t, reg, stepOf(t, schema.StepTypeSlashCommand, map[string]any{"command": "/fail"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])

	out = execute(t, reg, stepOf(t, schema.StepTypeSummarization, map[string]any{"source": "{{step_1.output}}", "max_length": 50}),
		map[string]any{"step_1": map[string]any{"output": "long text"}})
	assert.Equal(t, "short", out["summary"])
	assert.Equal(t, "long text", sum.got.Text)
	assert.Equal(t, 50, sum.got.MaxLength)
	assert.NotNil(t, out["usage"])

	out = execute(t, reg, stepOf(t, schema.StepTypeSummarization, map[string]any{"source": "{{missing}}"}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])

	out = execute(t, reg, stepOf(t, schema.StepTypeBrowserAutomation, map[string]any{"url": "https://example.com", "task": "read title"}), nil)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, 3, out["steps_taken"])

	out = execute(t, reg, stepOf(t, schema.StepTypeBrowserAutomation, map[string]any{"task": "read title"}), nil)
	assert.Equal(t, "browser crashed", out["error"])
}

func TestSubflow(t *testing.T) {
	subs := &fakeSubflows{run: &store.FlowRun{
		ID: "child-1", Status: schema.RunStatusCompleted,
		Report: &schema.RunReport{Status: schema.RunStatusCompleted, Usage: schema.Usage{CostUSD: 0.1}},
	}}
	reg := NewRegistry(Dependencies{})
	reg.BindSubflows(subs)
	tctx := map[string]any{"step_1": map[string]any{"city": "Lisbon"}, "flow": map[string]any{"id": "run-1"}}

	out := execute(t, reg, stepOf(t, schema.StepTypeSubflow, map[string]any{
		"workflow_id":   "child-wf",
		"input_mapping": map[string]any{"city": "{{step_1.city}}"},
	}), tctx)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "child-1", out["child_run_id"])
	assert.Equal(t, "run-1", subs.got.ParentRunID)
	assert.Equal(t, 0, subs.got.Depth)
	assert.Equal(t, "Lisbon", subs.got.Trigger.Context["city"])
	assert.Contains(t, subs.got.Trigger.Context, "step_1", "parent context is merged")
	assert.Equal(t, "completed", out["report"].(map[string]any)["status"])

	execute(t, reg, stepOf(t, schema.StepTypeSubflow, map[string]any{
		"workflow_id": "child-wf", "isolated": true, "input_mapping": map[string]any{"city": "Porto"},
	}), tctx)
	assert.Equal(t, map[string]any{"city": "Porto"}, subs.got.Trigger.Context)

	subs.run = &store.FlowRun{ID: "child-2", Status: schema.RunStatusFailed, Error: "step 2 failed"}
	out = execute(t, reg, stepOf(t, schema.StepTypeSubflow, map[string]any{"workflow_id": "child-wf"}), tctx)
	assert.Equal(t, schema.OutputFailed, out["status"])
	assert.Equal(t, "step 2 failed", out["error"])

	subs.err = schema.NewError(schema.ErrCodeDepthExceeded, "too deep")
	out = execute(t, reg, stepOf(t, schema.StepTypeSubflow, map[string]any{"workflow_id": "child-wf"}), tctx)
	assert.Equal(t, schema.OutputFailed, out["status"])
}

func TestLegacyTrigger(t *testing.T) {
	reg := NewRegistry(Dependencies{})
	out := execute(t, reg, stepOf(t, schema.StepTypeLegacyTrigger, map[string]any{"event": "keyword", "keywords": []any{"weather"}}), nil)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, []any{"weather"}, out["keywords"])
	assert.Equal(t, map[string]any{"user": "u1"}, out["trigger"])
}

func newConversationRegistry(t *testing.T, sender *fakeSender) (*Registry, *conversation.Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	threads := conversation.NewManager(s, conversation.WithNotifier(conversation.NewMemoryNotifier()))
	reg := NewRegistry(Dependencies{Sender: sender, Threads: threads, PollInterval: 10 * time.Millisecond})
	return reg, threads, s
}

// startedThread returns the id of the thread a conversation step opened for run-1.
func startedThread(s *store.MemoryStore) string {
	events, _ := s.GetEvents(context.Background(), "run-1", 0)
	for _, ev := range events {
		if ev.Type != schema.EventThreadStarted {
			continue
		}
		var payload struct {
			ThreadID string `json:"thread_id"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil {
			return payload.ThreadID
		}
	}
	return ""
}

func TestConversation_FireAndForget(t *testing.T) {
	sender := &fakeSender{}
	reg, _, _ := newConversationRegistry(t, sender)

	out := execute(t, reg, stepOf(t, schema.StepTypeConversation, map[string]any{"recipient": "ana", "opening_message": "Hi"}), nil)
	assert.Equal(t, schema.OutputStarted, out["status"])
	assert.NotContains(t, out, "thread_id")

	out = execute(t, reg, stepOf(t, schema.StepTypeConversation, map[string]any{"recipient": "ana", "opening_message": "Hi", "multi_turn": true}), nil)
	assert.Equal(t, schema.OutputStarted, out["status"])
	assert.NotEmpty(t, out["thread_id"])
	assert.Len(t, sender.sent, 2)
}

func TestConversation_WaitTimesOutWithTranscript(t *testing.T) {
	reg, _, _ := newConversationRegistry(t, &fakeSender{})
	step := stepOf(t, schema.StepTypeConversation, map[string]any{
		"recipient": "ana", "opening_message": "Still there?",
		"wait_for_completion": true, "max_wait_seconds": 0.15, "poll_interval_seconds": 0.03,
	})

	start := time.Now()
	out := execute(t, reg, step, nil)
	assert.Equal(t, schema.OutputTimeout, out["status"])
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.False(t, schema.OutputSucceeded(out))
	transcript := out["transcript"].([]any)
	require.Len(t, transcript, 1)
	assert.Equal(t, "Still there?", transcript[0].(map[string]any)["content"])
}

func TestConversation_WaitCompletes(t *testing.T) {
	reg, threads, s := newConversationRegistry(t, &fakeSender{})
	step := stepOf(t, schema.StepTypeConversation, map[string]any{
		"recipient": "ana", "opening_message": "Book a table?", "max_turns": 1,
		"wait_for_completion": true, "max_wait_seconds": 5,
	})

	h, err := reg.Get(schema.StepTypeConversation)
	require.NoError(t, err)

	done := make(chan map[string]any, 1)
	go func() {
		out, _ := h.Execute(context.Background(), step, nil, testRun(), &store.StepRun{ID: "sr-1"})
		done <- out
	}()

	var threadID string
	require.Eventually(t, func() bool {
		threadID = startedThread(s)
		return threadID != ""
	}, 2*time.Second, 5*time.Millisecond)
	_, err = threads.RecordMessage(context.Background(), threadID, store.RoleUser, "yes please")
	require.NoError(t, err)

	select {
	case out := <-done:
		assert.Equal(t, schema.OutputCompleted, out["status"])
		assert.Equal(t, "completed", out["thread_status"])
		assert.Equal(t, 1, out["turns"])
		assert.Len(t, out["transcript"], 2)
	case <-time.After(3 * time.Second):
		t.Fatal("conversation wait did not finish")
	}
}

func TestConversation_UndeliveredOpeningFails(t *testing.T) {
	reg, _, _ := newConversationRegistry(t, &fakeSender{reject: map[string]bool{"ana": true}})
	out := execute(t, reg, stepOf(t, schema.StepTypeConversation, map[string]any{
		"recipient": "ana", "opening_message": "Hi", "wait_for_completion": true,
	}), nil)
	assert.Equal(t, schema.OutputFailed, out["status"])
}
