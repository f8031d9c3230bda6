package conversation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/opflow/pkg/schema"
)

// Update announces that a thread changed: a new message or a new status.
type Update struct {
	ThreadID string              `json:"thread_id"`
	Status   schema.ThreadStatus `json:"status"`
	Turn     int                 `json:"turn"`
}

// Notifier pushes thread updates to waiters. Delivery is best effort: a
// waiter always re-reads the thread from the store, so a lost update only
// delays it until the next poll.
type Notifier interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, threadID string) (<-chan Update, func(), error)
}

const defaultChannelBuffer = 16

type subscriber struct {
	ch       chan Update
	threadID string
}

// MemoryNotifier is an in-process Notifier backed by channels.
type MemoryNotifier struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryNotifier creates a MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[uint64]*subscriber)}
}

// Publish delivers u to every subscriber of its thread. A full subscriber
// channel drops the update.
func (n *MemoryNotifier) Publish(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.threadID != u.ThreadID {
			continue
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
	return nil
}

// Subscribe registers interest in one thread. The returned func unsubscribes.
func (n *MemoryNotifier) Subscribe(ctx context.Context, threadID string) (<-chan Update, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := n.seq.Add(1)
	ch := make(chan Update, defaultChannelBuffer)

	n.mu.Lock()
	n.subs[id] = &subscriber{ch: ch, threadID: threadID}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

var _ Notifier = (*MemoryNotifier)(nil)
