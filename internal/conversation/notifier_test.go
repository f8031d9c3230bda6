package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func assertQuiet(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryNotifier_FiltersByThread(t *testing.T) {
	n := NewMemoryNotifier()
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "th-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-2", Status: schema.ThreadStatusCompleted}))
	require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-1", Status: schema.ThreadStatusGoalAchieved, Turn: 2}))

	got := receive(t, ch)
	assert.Equal(t, "th-1", got.ThreadID)
	assert.Equal(t, schema.ThreadStatusGoalAchieved, got.Status)
	assert.Equal(t, 2, got.Turn)
	assertQuiet(t, ch)
}

func TestMemoryNotifier_CancelStopsDelivery(t *testing.T) {
	n := NewMemoryNotifier()
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "th-1")
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-1"}))
	assertQuiet(t, ch)
}

func TestMemoryNotifier_DropsWhenFull(t *testing.T) {
	n := NewMemoryNotifier()
	ctx := context.Background()
	_, cancel, err := n.Subscribe(ctx, "th-1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer*2; i++ {
		require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-1", Turn: i}))
	}
}

func TestMemoryNotifier_CancelledContext(t *testing.T) {
	n := NewMemoryNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, n.Publish(ctx, Update{ThreadID: "x"}))
	_, _, err := n.Subscribe(ctx, "x")
	assert.Error(t, err)
}

func newRedisNotifier(t *testing.T) *RedisNotifier {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNotifierFromClient(client, "", nil)
}

func TestRedisNotifier_PublishSubscribe(t *testing.T) {
	n := newRedisNotifier(t)
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "th-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-other", Status: schema.ThreadStatusTimeout}))
	require.NoError(t, n.Publish(ctx, Update{ThreadID: "th-1", Status: schema.ThreadStatusCompleted, Turn: 3}))

	got := receive(t, ch)
	assert.Equal(t, Update{ThreadID: "th-1", Status: schema.ThreadStatusCompleted, Turn: 3}, got)
	assertQuiet(t, ch)
}

func TestRedisNotifier_ChannelPrefix(t *testing.T) {
	n := newRedisNotifier(t)
	assert.Equal(t, DefaultChannelPrefix+"abc", n.channel("abc"))
}

func TestNewRedisNotifier_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisNotifier(ctx, RedisOptions{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestNewRedisNotifier_Connects(t *testing.T) {
	server := miniredis.RunT(t)
	n, err := NewRedisNotifier(context.Background(), RedisOptions{Addr: server.Addr(), Prefix: "test:"}, nil)
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, "test:x", n.channel("x"))
}
