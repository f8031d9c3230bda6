package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("agent-1")
	assert.False(t, ok)

	r.Register("agent-1", "session-old")
	r.Register("agent-1", "session-abc")
	r.Register("agent-2", "session-abc")
	r.Register("agent-3", "session-xyz")

	sid, ok := r.SessionFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	r.Remove("session-abc")
	_, ok = r.SessionFor("agent-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("agent-2")
	assert.False(t, ok)

	sid, ok = r.SessionFor("agent-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestMCPNotifier_UnknownAgentIsSkipped(t *testing.T) {
	n := NewMCPNotifier(server.NewMCPServer("t", "1"), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), "nobody", map[string]any{"type": "run_finished"}))
}

func TestMCPNotifier_StaleSessionIsDropped(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("agent-1", "gone")
	n := NewMCPNotifier(server.NewMCPServer("t", "1"), sessions)

	assert.NoError(t, n.Notify(context.Background(), "agent-1", map[string]any{"type": "run_finished"}))
	_, ok := sessions.SessionFor("agent-1")
	assert.False(t, ok)
}
