// Package coordinator hands out per-user sync generations so that a long running
// sync pass can detect that a newer pass for the same user has been requested.
//
// There is no lock: every pass may run, but only the holder of the newest
// generation is allowed to keep mutating remote calendars past its next checkpoint.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	keyPrefix = "sync:generation:"

	// GenerationTTL bounds how long an idle user's counter is kept.
	GenerationTTL = 24 * time.Hour
)

// Store is the coordination store. Incr must be atomic across processes.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Get returns false when the key does not exist or has expired.
	Get(ctx context.Context, key string) (int64, bool, error)
}

// SyncContext identifies one sync pass for a user.
type SyncContext struct {
	UserID     string
	Generation int64
}

// Coordinator mints and checks sync generations.
type Coordinator struct {
	store  Store
	logger *slog.Logger
}

// New creates a Coordinator backed by store.
func New(store Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, logger: logger}
}

func generationKey(userID string) string {
	return keyPrefix + userID
}

// StartSync bumps the user's generation and returns it. Any pass holding an older
// generation becomes stale.
func (c *Coordinator) StartSync(ctx context.Context, userID string) (SyncContext, error) {
	key := generationKey(userID)
	generation, err := c.store.Incr(ctx, key)
	if err != nil {
		return SyncContext{}, fmt.Errorf("failed to increment sync generation: %w", err)
	}
	if err := c.store.Expire(ctx, key, GenerationTTL); err != nil {
		return SyncContext{}, fmt.Errorf("failed to set sync generation expiry: %w", err)
	}

	c.logger.Debug("Starting sync generation.", "userId", userID, "generation", generation)
	return SyncContext{UserID: userID, Generation: generation}, nil
}

// IsSyncCurrent reports whether sc still holds the newest generation for its user.
func (c *Coordinator) IsSyncCurrent(ctx context.Context, sc SyncContext) (bool, error) {
	current, ok, err := c.store.Get(ctx, generationKey(sc.UserID))
	if err != nil {
		return false, fmt.Errorf("failed to read sync generation: %w", err)
	}
	if !ok {
		return false, nil
	}
	return current == sc.Generation, nil
}

// EndSync marks the end of a pass. Generations are never reset or reused.
func (c *Coordinator) EndSync(_ context.Context, sc SyncContext) {
	c.logger.Debug("Ending sync generation.", "userId", sc.UserID, "generation", sc.Generation)
}
