package broadcast

import (
	"context"
	"sync"
)

// Socket is a live client connection owned by the transport layer.
type Socket interface {
	UserID() string
	Send(ctx context.Context, payload []byte) error
	IsOpen() bool
}

// Registry tracks the open sockets of each user. It only references sockets;
// opening and closing them is up to the transport.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]map[Socket]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]map[Socket]struct{})}
}

// Add registers s under userID.
func (r *Registry) Add(userID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sockets[userID]
	if !ok {
		set = make(map[Socket]struct{})
		r.sockets[userID] = set
	}
	set[s] = struct{}{}
}

// Remove unregisters s, dropping the user entry once it is empty.
func (r *Registry) Remove(userID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sockets[userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sockets, userID)
	}
}

// Sockets returns a snapshot of the sockets registered for userID.
func (r *Registry) Sockets(userID string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sockets[userID]
	out := make([]Socket, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Count returns how many sockets userID has open.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets[userID])
}
