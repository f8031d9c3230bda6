// Package plugins runs tools hosted by external MCP servers. Each plugin is
// a server subprocess speaking MCP over stdio; its tools become available to
// tool steps that name a tool the built-in registry does not know.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

// Plugin statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

const (
	healthInterval  = 30 * time.Second
	maxHealthErrors = 3
	summaryLimit    = 200
)

// Config describes how to launch a plugin subprocess.
type Config struct {
	Name    string
	Command string   // MCP server binary path
	Args    []string // CLI arguments
	Env     []string // environment variables, KEY=VALUE
}

// Manager owns plugin clients and routes tool calls to them. It satisfies
// handlers.ExternalToolRunner.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*plugin
	tools   map[string]string // tool name -> plugin name
	logger  *slog.Logger
}

type plugin struct {
	config   Config
	client   *client.Client
	tools    []string
	status   string
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		plugins: make(map[string]*plugin),
		tools:   make(map[string]string),
		logger:  logger,
	}
}

// Load starts the plugin subprocess and attaches it.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	m.mu.RLock()
	_, exists := m.plugins[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("plugin %q already loaded", cfg.Name)
	}

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	if err := m.Attach(ctx, cfg, c); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// Attach performs the MCP handshake on a started client, discovers its
// tools and begins health checks. Tools already served by another plugin
// keep their first owner.
func (m *Manager) Attach(ctx context.Context, cfg Config, c *client.Client) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "opflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("handshake with plugin %q: %w", cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools of plugin %q: %w", cfg.Name, err)
	}

	healthCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &plugin{config: cfg, client: c, status: StatusHealthy, cancel: cancel}

	m.mu.Lock()
	if _, exists := m.plugins[cfg.Name]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("plugin %q already loaded", cfg.Name)
	}
	for _, tool := range listed.Tools {
		if owner, taken := m.tools[tool.Name]; taken {
			m.logger.Warn("plugin tool shadowed",
				slog.String("tool", tool.Name),
				slog.String("plugin", cfg.Name),
				slog.String("owner", owner),
			)
			continue
		}
		m.tools[tool.Name] = cfg.Name
		p.tools = append(p.tools, tool.Name)
	}
	m.plugins[cfg.Name] = p
	m.mu.Unlock()

	go m.healthCheckLoop(healthCtx, p)

	m.logger.Info("plugin loaded", slog.String("name", cfg.Name), slog.Int("tools", len(p.tools)))
	return nil
}

// RunTool calls name on the plugin that serves it. Tool-level errors
// reported by the plugin become STEP_FAILED errors.
func (m *Manager) RunTool(ctx context.Context, name string, params map[string]any) (*tools.Output, error) {
	m.mu.RLock()
	owner, ok := m.tools[name]
	var p *plugin
	if ok {
		p = m.plugins[owner]
	}
	m.mu.RUnlock()
	if p == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q is not provided by any plugin", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params
	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "plugin %s: call %s: %s", owner, name, err.Error()).WithCause(err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "plugin %s: %s: %s", owner, name, text)
	}
	return &tools.Output{Result: resultValue(res, text), Summary: truncate(text, summaryLimit)}, nil
}

// Tools lists every routed tool name.
func (m *Manager) Tools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the current status of every plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.plugins))
	for name, p := range m.plugins {
		out[name] = p.status
	}
	return out
}

// Stop closes one plugin and unroutes its tools.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q not found", name)
	}
	delete(m.plugins, name)
	for _, tool := range p.tools {
		delete(m.tools, tool)
	}
	p.status = StatusStopped
	m.mu.Unlock()

	p.cancel()
	err := p.client.Close()
	m.logger.Info("plugin stopped", slog.String("name", name))
	return err
}

// Close stops every plugin.
func (m *Manager) Close() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// healthCheckLoop pings the plugin; after maxHealthErrors consecutive
// failures it is marked unhealthy and its calls keep failing until restart.
func (m *Manager) healthCheckLoop(ctx context.Context, p *plugin) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx, p)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context, p *plugin) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := p.client.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		p.errCount = 0
		p.lastErr = ""
		p.status = StatusHealthy
		return
	}
	p.errCount++
	p.lastErr = err.Error()
	if p.errCount >= maxHealthErrors && p.status != StatusUnhealthy {
		p.status = StatusUnhealthy
		m.logger.Warn("plugin unhealthy",
			slog.String("name", p.config.Name),
			slog.Int("consecutive_errors", p.errCount),
			slog.String("error", p.lastErr),
		)
	}
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t := mcp.GetTextFromContent(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// resultValue prefers structured content, then JSON text, then raw text.
func resultValue(res *mcp.CallToolResult, text string) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
