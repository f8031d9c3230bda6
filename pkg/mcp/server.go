package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
// Dispatcher and Scheduler are optional: without a dispatcher runs are
// only synchronous, without a scheduler definitions are stored unscheduled.
type FlowServerDeps struct {
	Orchestrator *engine.Orchestrator
	Dispatcher   *engine.Dispatcher
	Scheduler    *scheduler.Scheduler
	Store        store.Store
	Templates    *expressions.TemplateEngine
	Logger       *slog.Logger
}

// FlowServer wraps an MCP server with opflow tool handlers.
type FlowServer struct {
	orch       *engine.Orchestrator
	dispatcher *engine.Dispatcher
	scheduler  *scheduler.Scheduler
	store      store.Store
	templates  *expressions.TemplateEngine
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   AgentNotifier
	mcpServer  *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	templates := deps.Templates
	if templates == nil {
		templates = expressions.NewTemplateEngine()
	}

	s := &FlowServer{
		orch:       deps.Orchestrator,
		dispatcher: deps.Dispatcher,
		scheduler:  deps.Scheduler,
		store:      deps.Store,
		templates:  templates,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Opflow runs chat-agent workflows step by step. Use flow.define to store a workflow, flow.validate to check one, flow.run to execute it, flow.status to inspect a run, flow.query to list definitions, runs or events, and template.render to preview {{ }} templates."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: renderTool(), Handler: s.handleRender},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, steps, execution_method, ...)")),
		mcp.WithString("agent_id", mcp.Description("ID of the defining agent")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a stored or inline workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition, used when workflow_id is empty")),
		mcp.WithObject("context", mcp.Description("Trigger context exposed to templates as trigger.*")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the run")),
		mcp.WithBoolean("async", mcp.Description("Queue the run and notify the agent when it finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a run with its step attempts and events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the flow run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query definitions, runs, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (tenant_id, execution_method, workflow_id, parent_run_id, status, run_id, since, limit)")),
	)
}

func renderTool() mcp.Tool {
	return mcp.NewTool("template.render",
		mcp.WithDescription("Render a {{ }} template against a context"),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template text")),
		mcp.WithObject("context", mcp.Description("Data the template paths resolve against")),
	)
}
