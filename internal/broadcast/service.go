// Package broadcast delivers per-user events, such as sync progress, to every live
// client connection of that user across all keeper processes.
//
// Emit publishes an envelope on one shared channel. Each process runs a single
// subscriber that validates incoming envelopes and writes them to the sockets its
// Registry holds for the addressed user.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Channel is the pub/sub channel every broadcast travels on.
const Channel = "broadcast"

const sendTimeout = 5 * time.Second

// Message is the envelope published on Channel.
type Message struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Outbound is what a client receives.
type Outbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Service publishes broadcasts and fans them out to local sockets.
type Service struct {
	pubsub   PubSub
	registry *Registry
	logger   *slog.Logger

	once     sync.Once
	startErr error
}

// NewService creates a Service delivering to the sockets in registry.
func NewService(pubsub PubSub, registry *Registry, logger *slog.Logger) *Service {
	return &Service{pubsub: pubsub, registry: registry, logger: logger}
}

// Emit publishes event with data for userID.
func (s *Service) Emit(ctx context.Context, userID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	payload, err := json.Marshal(Message{UserID: userID, Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := s.pubsub.Publish(ctx, Channel, payload); err != nil {
		return err
	}
	s.logger.Debug("Broadcast published", "userId", userID, "event", event)
	return nil
}

// StartSubscriber subscribes to Channel. Only the first call subscribes; later calls
// return the outcome of the first.
func (s *Service) StartSubscriber(ctx context.Context) error {
	s.once.Do(func() {
		s.startErr = s.pubsub.Subscribe(ctx, Channel, func(payload []byte) {
			s.handle(ctx, payload)
		})
		if s.startErr == nil {
			s.logger.Info("Broadcast subscriber started", "channel", Channel)
		}
	})
	return s.startErr
}

func (s *Service) handle(ctx context.Context, payload []byte) {
	if err := validate(broadcastMessageSchema, payload); err != nil {
		s.logger.Error("Invalid broadcast message received", "error", err)
		return
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Error("Invalid broadcast message received", "error", err)
		return
	}
	s.SendToUser(ctx, msg.UserID, Outbound{Event: msg.Event, Data: msg.Data})
}

// SendToUser writes out to every socket this process holds for userID.
func (s *Service) SendToUser(ctx context.Context, userID string, out Outbound) {
	sockets := s.registry.Sockets(userID)
	if len(sockets) == 0 {
		return
	}
	payload, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("Failed to encode outbound message", "event", out.Event, "error", err)
		return
	}
	for _, socket := range sockets {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := socket.Send(sendCtx, payload); err != nil {
			s.logger.Debug("Failed to send to socket", "userId", userID, "error", err)
		}
		cancel()
	}
	s.logger.Debug("Broadcast sent to sockets", "userId", userID, "event", out.Event, "connectionCount", len(sockets))
}
