package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// RedisTransport carries the bus over one Redis pub/sub channel named
// "<namespace>:bus".
type RedisTransport struct {
	client  goredis.UniversalClient
	channel string

	mu   sync.Mutex
	subs []*goredis.PubSub
}

// NewRedisTransport creates a transport for namespace. The caller owns the
// client.
func NewRedisTransport(client goredis.UniversalClient, namespace string) *RedisTransport {
	return &RedisTransport{client: client, channel: namespace + ":bus"}
}

// Channel returns the pub/sub channel name.
func (t *RedisTransport) Channel() string { return t.channel }

// Subscribe implements Transport. It waits for the subscription to be
// confirmed so that events published afterwards are not missed.
func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := t.client.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	out := make(chan []byte, DefaultBufferSize)
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					ps.Close()
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, msg []byte) error {
	return t.client.Publish(ctx, t.channel, msg).Err()
}

// Close implements Transport. The Redis client is left open.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
