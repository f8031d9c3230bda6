package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

const (
	// DefaultSafetyMargin is kept free between the wait budget and the step timeout.
	DefaultSafetyMargin = 10 * time.Second
	// DefaultPollInterval is the fallback re-read interval of Wait.
	DefaultPollInterval = 5 * time.Second
)

// WaitOptions bounds a blocking wait.
type WaitOptions struct {
	MaxWait      time.Duration
	PollInterval time.Duration
}

// WaitResult is the thread as last observed by Wait.
type WaitResult struct {
	Thread   *store.ConversationThread
	TimedOut bool
	Waited   time.Duration
}

// ClampMaxWait bounds a requested wait below the step timeout. The budget is
// stepTimeout minus margin, or three quarters of stepTimeout when the margin
// does not fit. A non-positive request takes the whole budget.
func ClampMaxWait(requested, stepTimeout, margin time.Duration) time.Duration {
	limit := stepTimeout - margin
	if limit <= 0 {
		limit = stepTimeout * 3 / 4
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// Wait blocks until the thread reaches a terminal status or opts.MaxWait
// elapses. Pushed updates wake it early; polling every PollInterval covers
// lost or absent notifications. A thread past its own timeout_at is moved
// to the timeout status. Running out of budget is not an error.
func (m *Manager) Wait(ctx context.Context, threadID string, opts WaitOptions) (*WaitResult, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	start := m.now()

	var updates <-chan Update
	if m.notifier != nil {
		ch, cancel, err := m.notifier.Subscribe(ctx, threadID)
		if err != nil {
			m.logger.WarnContext(ctx, "thread notifications unavailable, polling only",
				slog.String("thread_id", threadID), slog.String("error", err.Error()))
		} else {
			defer cancel()
			updates = ch
		}
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		th, err := m.observe(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if th.Status.Terminal() {
			return &WaitResult{Thread: th, Waited: m.now().Sub(start)}, nil
		}

		select {
		case <-ctx.Done():
			return &WaitResult{Thread: th, TimedOut: true, Waited: m.now().Sub(start)}, nil
		case <-deadline.C:
			if th, err = m.observe(ctx, threadID); err != nil {
				return nil, err
			}
			return &WaitResult{Thread: th, TimedOut: !th.Status.Terminal(), Waited: m.now().Sub(start)}, nil
		case <-ticker.C:
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		}
	}
}

// observe reads a thread, expiring it first when its own deadline passed.
func (m *Manager) observe(ctx context.Context, threadID string) (*store.ConversationThread, error) {
	th, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.Status.Terminal() || th.TimeoutAt.IsZero() || m.now().Before(th.TimeoutAt) {
		return th, nil
	}
	expired, err := m.SetStatus(ctx, threadID, schema.ThreadStatusTimeout)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeInvalidTransition {
			return m.store.GetThread(ctx, threadID)
		}
		return nil, err
	}
	return expired, nil
}
