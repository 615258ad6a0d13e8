package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PubSub is the process-spanning message bus broadcasts travel over.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for channel and returns once the subscription is
	// active. Delivery stops when ctx is done.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// RedisPubSub is a PubSub over Redis channels, shared by every keeper process.
type RedisPubSub struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisPubSub creates a RedisPubSub.
func NewRedisPubSub(client redis.UniversalClient, logger *slog.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// Publish implements PubSub.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements PubSub.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so that nothing published afterwards is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					r.logger.Warn("Redis subscription closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// MemoryPubSub is an in-process PubSub for single-instance deployments and tests.
// Handlers run synchronously on the publishing goroutine.
type MemoryPubSub struct {
	mu       sync.RWMutex
	handlers map[string][]*memoryHandler
}

type memoryHandler struct {
	ctx context.Context
	fn  func([]byte)
}

// NewMemoryPubSub creates an empty MemoryPubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{handlers: make(map[string][]*memoryHandler)}
}

// Publish implements PubSub.
func (m *MemoryPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	handlers := append([]*memoryHandler(nil), m.handlers[channel]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		if h.ctx.Err() != nil {
			continue
		}
		h.fn(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe implements PubSub.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	h := &memoryHandler{ctx: ctx, fn: handler}
	m.mu.Lock()
	m.handlers[channel] = append(m.handlers[channel], h)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		hs := m.handlers[channel]
		for i, candidate := range hs {
			if candidate == h {
				m.handlers[channel] = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
	}()
	return nil
}
