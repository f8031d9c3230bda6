package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

const (
	// DefaultMaxTurns bounds a thread that does not set its own limit.
	DefaultMaxTurns = 10
	// DefaultThreadTimeout is the lifetime of a thread without timeout_minutes.
	DefaultThreadTimeout = 30 * time.Minute
)

// Manager owns ConversationThread state. The external turn loop reports
// replies through RecordMessage and outcomes through SetStatus; the
// conversation step starts threads and optionally waits on them.
type Manager struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier enables push wake-ups for Wait.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over s.
func NewManager(s store.Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: s, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartRequest describes a new thread.
type StartRequest struct {
	FlowRunID      string
	StepRunID      string
	StepID         string
	Recipient      string
	Goal           string
	OpeningMessage string
	MaxTurns       int
	Timeout        time.Duration
	Context        map[string]any
}

// Start creates an active thread whose history begins with the opening message.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.ConversationThread, error) {
	if req.MaxTurns <= 0 {
		req.MaxTurns = DefaultMaxTurns
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultThreadTimeout
	}
	now := m.now().UTC()
	th := &store.ConversationThread{
		ID:        uuid.NewString(),
		FlowRunID: req.FlowRunID,
		StepRunID: req.StepRunID,
		StepID:    req.StepID,
		Recipient: req.Recipient,
		Goal:      req.Goal,
		Status:    schema.ThreadStatusActive,
		MaxTurns:  req.MaxTurns,
		Messages:  []store.ThreadMessage{},
		Context:   req.Context,
		TimeoutAt: now.Add(req.Timeout),
		CreatedAt: now,
	}
	if req.OpeningMessage != "" {
		th.Messages = append(th.Messages, store.ThreadMessage{Role: store.RoleAgent, Content: req.OpeningMessage, At: now})
	}
	if err := m.store.CreateThread(ctx, th); err != nil {
		return nil, err
	}
	m.event(ctx, th, schema.EventThreadStarted, map[string]any{"thread_id": th.ID, "recipient": th.Recipient})
	return th, nil
}

// Get returns the current state of a thread.
func (m *Manager) Get(ctx context.Context, threadID string) (*store.ConversationThread, error) {
	return m.store.GetThread(ctx, threadID)
}

// RecordMessage appends a message to an active thread. A user reply that
// reaches max_turns completes the thread.
func (m *Manager) RecordMessage(ctx context.Context, threadID, role, content string) (*store.ConversationThread, error) {
	th, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"thread %s is %s and accepts no messages", threadID, th.Status)
	}
	if role != store.RoleAgent && role != store.RoleUser {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown message role %q", role)
	}
	msg := store.ThreadMessage{Role: role, Content: content, At: m.now().UTC()}
	if err := m.store.AppendThreadMessage(ctx, threadID, msg); err != nil {
		return nil, err
	}
	th, err = m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if role == store.RoleUser && th.MaxTurns > 0 && th.CurrentTurn >= th.MaxTurns {
		return m.SetStatus(ctx, threadID, schema.ThreadStatusCompleted)
	}
	m.publish(ctx, th)
	return th, nil
}

// SetStatus moves an active thread to a terminal status. Terminal threads
// never change again.
func (m *Manager) SetStatus(ctx context.Context, threadID string, status schema.ThreadStatus) (*store.ConversationThread, error) {
	if !status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "thread status %q is not terminal", status)
	}
	th, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"thread %s already %s", threadID, th.Status)
	}
	if err := m.store.UpdateThread(ctx, threadID, store.ThreadUpdate{Status: &status}); err != nil {
		return nil, err
	}
	th.Status = status
	m.publish(ctx, th)
	m.event(ctx, th, schema.EventThreadFinished, map[string]any{"thread_id": th.ID, "status": status})
	return th, nil
}

func (m *Manager) publish(ctx context.Context, th *store.ConversationThread) {
	if m.notifier == nil {
		return
	}
	u := Update{ThreadID: th.ID, Status: th.Status, Turn: th.CurrentTurn}
	if err := m.notifier.Publish(ctx, u); err != nil {
		m.logger.WarnContext(ctx, "thread update not published",
			slog.String("thread_id", th.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) event(ctx context.Context, th *store.ConversationThread, typ string, payload map[string]any) {
	if th.FlowRunID == "" {
		return
	}
	raw, _ := json.Marshal(payload)
	ev := &store.Event{FlowRunID: th.FlowRunID, StepID: th.StepID, Type: typ, Payload: raw}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "thread event not recorded",
			slog.String("event", typ), slog.String("error", err.Error()))
	}
}

// Transcript renders a thread's history as role/content pairs.
func Transcript(th *store.ConversationThread) []map[string]any {
	out := make([]map[string]any, 0, len(th.Messages))
	for _, msg := range th.Messages {
		out = append(out, map[string]any{"role": msg.Role, "content": msg.Content})
	}
	return out
}
