package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// PingInterval is how often an idle socket is pinged.
const PingInterval = 10 * time.Second

var pingMessage = []byte(`{"event":"ping"}`)

// OnConnectFunc runs after a socket is registered, e.g. to send it the current state.
type OnConnectFunc func(ctx context.Context, userID string, socket Socket) error

// Handler implements the socket lifecycle hooks: it registers sockets, keeps them
// alive with pings and handles client messages.
type Handler struct {
	registry  *Registry
	logger    *slog.Logger
	onConnect OnConnectFunc

	// PingInterval overrides the keepalive period.
	PingInterval time.Duration

	mu    sync.Mutex
	pings map[Socket]context.CancelFunc
}

// NewHandler creates a Handler. onConnect may be nil.
func NewHandler(registry *Registry, logger *slog.Logger, onConnect OnConnectFunc) *Handler {
	return &Handler{
		registry:     registry,
		logger:       logger,
		onConnect:    onConnect,
		PingInterval: PingInterval,
		pings:        make(map[Socket]context.CancelFunc),
	}
}

// Open registers socket, starts its keepalive and runs the connect callback.
func (h *Handler) Open(ctx context.Context, socket Socket) {
	userID := socket.UserID()
	h.logger.Debug("Socket opened", "userId", userID)
	h.registry.Add(userID, socket)

	pingCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.pings[socket] = cancel
	h.mu.Unlock()
	go h.keepalive(pingCtx, socket)

	if h.onConnect != nil {
		if err := h.onConnect(ctx, userID, socket); err != nil {
			h.logger.Error("OnConnect callback failed", "userId", userID, "error", err)
		}
	}
}

// Close stops the keepalive and unregisters socket.
func (h *Handler) Close(socket Socket) {
	h.mu.Lock()
	if cancel, ok := h.pings[socket]; ok {
		cancel()
		delete(h.pings, socket)
	}
	h.mu.Unlock()
	h.registry.Remove(socket.UserID(), socket)
	h.logger.Debug("Socket closed", "userId", socket.UserID())
}

// Message handles a client message. Pongs are accepted and otherwise ignored.
func (h *Handler) Message(socket Socket, message []byte) {
	if err := validate(socketMessageSchema, message); err != nil {
		h.logger.Warn("Invalid socket message", "userId", socket.UserID(), "error", err)
		return
	}
	var msg struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		h.logger.Warn("Invalid socket message", "userId", socket.UserID(), "error", err)
		return
	}
	if msg.Event == "pong" {
		return
	}
	h.logger.Debug("Ignoring socket message", "userId", socket.UserID(), "event", msg.Event)
}

// keepalive pings socket immediately and then every PingInterval. A socket found
// closed on a ping attempt is pruned.
func (h *Handler) keepalive(ctx context.Context, socket Socket) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		if !socket.IsOpen() {
			h.Close(socket)
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := socket.Send(sendCtx, pingMessage); err != nil {
			h.logger.Debug("Ping failed", "userId", socket.UserID(), "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
