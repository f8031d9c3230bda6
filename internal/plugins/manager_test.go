package plugins

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

// weatherServer is an in-process MCP server with a JSON tool, a text tool
// and a failing tool.
func weatherServer() *server.MCPServer {
	srv := server.NewMCPServer("weather", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("forecast", mcp.WithString("city", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			city, err := req.RequireString("city")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(`{"city":"` + city + `","temp":21}`), nil
		})
	srv.AddTool(mcp.NewTool("motd"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("sunny all week"), nil
		})
	srv.AddTool(mcp.NewTool("broken"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("station offline"), nil
		})
	return srv
}

func attach(t *testing.T, m *Manager, name string, srv *server.MCPServer) {
	t.Helper()
	c, err := client.NewInProcessClient(srv)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, m.Attach(context.Background(), Config{Name: name}, c))
}

func TestManager_AttachDiscoversTools(t *testing.T) {
	m := NewManager(nil)
	t.Cleanup(func() { _ = m.Close() })
	attach(t, m, "weather", weatherServer())

	assert.Equal(t, []string{"broken", "forecast", "motd"}, m.Tools())
	assert.Equal(t, map[string]string{"weather": StatusHealthy}, m.Status())
}

func TestManager_RunTool(t *testing.T) {
	m := NewManager(nil)
	t.Cleanup(func() { _ = m.Close() })
	attach(t, m, "weather", weatherServer())
	ctx := context.Background()

	out, err := m.RunTool(ctx, "forecast", map[string]any{"city": "Lisbon"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Lisbon", "temp": float64(21)}, out.Result)

	out, err = m.RunTool(ctx, "motd", nil)
	require.NoError(t, err)
	assert.Equal(t, "sunny all week", out.Result)
	assert.Equal(t, "sunny all week", out.Summary)

	_, err = m.RunTool(ctx, "broken", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "station offline")

	_, err = m.RunTool(ctx, "nope", nil)
	assert.True(t, schema.IsNotFound(err))
}

func TestManager_DuplicateAndShadowing(t *testing.T) {
	m := NewManager(nil)
	t.Cleanup(func() { _ = m.Close() })
	attach(t, m, "weather", weatherServer())

	c, err := client.NewInProcessClient(weatherServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	err = m.Attach(context.Background(), Config{Name: "weather"}, c)
	assert.ErrorContains(t, err, "already loaded")
	_ = c.Close()

	attach(t, m, "mirror", weatherServer())
	assert.Len(t, m.Status(), 2)
	assert.Equal(t, []string{"broken", "forecast", "motd"}, m.Tools())

	require.NoError(t, m.Stop("weather"))
	assert.Empty(t, m.Tools(), "mirror never owned the shadowed tools")
	assert.Error(t, m.Stop("weather"))
}

func TestManager_LoadInvalidCommand(t *testing.T) {
	m := NewManager(nil)
	err := m.Load(context.Background(), Config{Name: "bad", Command: "/nonexistent/binary/path"})
	require.Error(t, err)
	assert.Empty(t, m.Status())
}

func TestManager_ServesToolSteps(t *testing.T) {
	m := NewManager(nil)
	t.Cleanup(func() { _ = m.Close() })
	attach(t, m, "weather", weatherServer())

	builtins := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(builtins))
	reg := handlers.NewRegistry(handlers.Dependencies{Tools: builtins, ExternalTools: m})
	h, err := reg.Get(schema.StepTypeTool)
	require.NoError(t, err)

	cfg, _ := json.Marshal(map[string]any{"tool": "forecast", "params": map[string]any{"city": "{{trigger.city}}"}})
	step := &schema.Step{ID: "wx", Position: 1, Type: schema.StepTypeTool, Config: cfg}
	tctx := map[string]any{"trigger": map[string]any{"city": "Porto"}}

	out, err := h.Execute(context.Background(), step, tctx, &store.FlowRun{ID: "r1"}, &store.StepRun{ID: "sr1"})
	require.NoError(t, err)
	assert.Equal(t, schema.OutputCompleted, out["status"])
	assert.Equal(t, "forecast", out["tool"])
	assert.Equal(t, map[string]any{"city": "Porto", "temp": float64(21)}, out["result"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcd", 2))
}
