package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix prefixes the per-thread pub/sub channel name.
const DefaultChannelPrefix = "opflow:thread:"

// RedisNotifier fans thread updates out over Redis pub/sub so waiters in
// other processes wake up when the turn loop changes a thread.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOptions configures NewRedisNotifier.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedisNotifierFromClient(client, opts.Prefix, logger), nil
}

// NewRedisNotifierFromClient wraps an existing client.
func NewRedisNotifierFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: logger}
}

func (n *RedisNotifier) channel(threadID string) string {
	return n.prefix + threadID
}

// Publish sends u on the thread's channel.
func (n *RedisNotifier) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal thread update: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(u.ThreadID), payload).Err(); err != nil {
		return fmt.Errorf("publish thread update: %w", err)
	}
	return nil
}

// Subscribe listens on the thread's channel. The subscription is confirmed
// before Subscribe returns, so no update published afterwards is missed.
func (n *RedisNotifier) Subscribe(ctx context.Context, threadID string) (<-chan Update, func(), error) {
	ps := n.client.Subscribe(ctx, n.channel(threadID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", n.channel(threadID), err)
	}

	out := make(chan Update, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					n.logger.Warn("dropping malformed thread update",
						slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- u:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
