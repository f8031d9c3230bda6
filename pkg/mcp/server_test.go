package mcp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, recipient, text string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recipient+": "+text)
	return true, nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type fixture struct {
	store  *store.MemoryStore
	sender *recordingSender
	orch   *engine.Orchestrator
	disp   *engine.Dispatcher
	srv    *FlowServer
}

func newFixture(t *testing.T, withScheduler bool) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), sender: &recordingSender{}}
	reg := handlers.NewRegistry(handlers.Dependencies{Sender: f.sender})
	orch, err := engine.New(f.store, reg)
	require.NoError(t, err)
	f.orch = orch
	f.disp = engine.NewDispatcher(orch, 2)
	t.Cleanup(f.disp.Shutdown)

	deps := FlowServerDeps{Orchestrator: orch, Dispatcher: f.disp, Store: f.store}
	if withScheduler {
		deps.Scheduler = scheduler.NewScheduler(f.store, f.disp)
	}
	f.srv = NewFlowServer(deps)
	return f
}

func TestNewFlowServer(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.templates)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})

	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{"flow.define", "flow.validate", "flow.run", "flow.status", "flow.query", "template.render"} {
		assert.NotNil(t, s.MCPServer().GetTool(name), "tool %s should be registered", name)
	}
}

func TestRunToolSchema(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	tool := s.MCPServer().GetTool("flow.run")
	require.NotNil(t, tool)
	assert.Equal(t, "Execute a stored or inline workflow", tool.Tool.Description)
	assert.Contains(t, tool.Tool.InputSchema.Properties, "async")
	assert.Contains(t, tool.Tool.InputSchema.Properties, "context")
}
