// Package syncer reconciles a user's local events with their destination calendars.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"keeper/internal/coordinator"
	"keeper/internal/models"
	"keeper/internal/provider"
)

// MappingStore reads and writes the correlation between local and remote events.
type MappingStore interface {
	ListMappings(ctx context.Context, destinationID string) ([]models.EventMapping, error)
	CreateMapping(ctx context.Context, m models.EventMapping) error
	DeleteMappingByUID(ctx context.Context, destinationID, uid string) error
	DeleteMapping(ctx context.Context, destinationID, eventStateID string) error
	DeleteMappingsBefore(ctx context.Context, destinationID string, before time.Time) (int64, error)
}

// StatusStore persists the outcome of a pass.
type StatusStore interface {
	SaveSyncStatus(ctx context.Context, status models.SyncStatus) error
}

// GenerationChecker tells a pass whether it is still the newest one for its user.
type GenerationChecker interface {
	IsSyncCurrent(ctx context.Context, sc coordinator.SyncContext) (bool, error)
}

// Emitter publishes progress to the user's live connections.
type Emitter interface {
	Emit(ctx context.Context, userID, event string, data any) error
}

// Config carries the collaborators of one destination pass.
type Config struct {
	UserID        string
	DestinationID string

	Mappings    MappingStore
	Statuses    StatusStore
	Generations GenerationChecker
	Emitter     Emitter // Optional
	Logger      *slog.Logger

	// Window bounds the remote listing. Remote copies of events starting before
	// Window.Since are left untouched and their mappings are pruned.
	Window provider.ListOptions

	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Sync reconciles one destination with local. Operations are applied one at a time in
// start-time order and the pass stops, keeping what it already applied, as soon as sc
// is no longer the newest generation for the user.
//
// Failures of single operations are logged and skipped. The returned error is reserved
// for failures that end the pass, such as listing errors or a failed token refresh.
func Sync(ctx context.Context, p provider.Provider, cfg Config, local []models.SyncableEvent, sc coordinator.SyncContext) (models.SyncResult, error) {
	logger := cfg.Logger.With("userId", cfg.UserID, "destinationId", cfg.DestinationID, "generation", sc.Generation)
	logger.Debug("Starting destination sync", "localCount", len(local))

	localCount := len(local)
	cfg.emitProgress(ctx, models.SyncProgress{Stage: models.StageFetching, LocalEventCount: localCount})

	var (
		mappings []models.EventMapping
		remote   []models.RemoteEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mappings, err = cfg.Mappings.ListMappings(gctx, cfg.DestinationID)
		if err != nil {
			return fmt.Errorf("failed to load event mappings: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		remote, err = p.ListRemoteEvents(gctx, cfg.Window)
		if err != nil {
			return fmt.Errorf("failed to list remote events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.SyncResult{}, err
	}

	remoteCount := len(remote)
	cfg.emitProgress(ctx, models.SyncProgress{Stage: models.StageComparing, LocalEventCount: localCount, RemoteEventCount: remoteCount})

	scoped := cfg.inWindow(mappings)
	adopt, release := ComputeMappingChanges(cfg.UserID, cfg.DestinationID, local, scoped, remote)
	ops := ComputeOperations(cfg.UserID, local, scoped, remote)

	if len(adopt) > 0 || len(release) > 0 || len(scoped) < len(mappings) {
		current, err := cfg.Generations.IsSyncCurrent(ctx, sc)
		if err != nil {
			return models.SyncResult{}, fmt.Errorf("failed to check sync generation: %w", err)
		}
		if !current {
			logger.Info("Sync superseded, stopping", "applied", 0, "total", len(ops))
			cfg.finish(ctx, logger, localCount, remoteCount)
			return models.SyncResult{}, nil
		}
		cfg.reconcileMappings(ctx, logger, adopt, release, len(scoped) < len(mappings))
	}

	if len(ops) == 0 {
		logger.Debug("Destination in sync")
		cfg.finish(ctx, logger, localCount, remoteCount)
		return models.SyncResult{}, nil
	}
	logger.Debug("Diff complete", "operations", len(ops))

	var result models.SyncResult
	for i, op := range ops {
		current, err := cfg.Generations.IsSyncCurrent(ctx, sc)
		if err != nil {
			return result, fmt.Errorf("failed to check sync generation: %w", err)
		}
		if !current {
			logger.Info("Sync superseded, stopping", "applied", i, "total", len(ops))
			break
		}

		switch op.Kind {
		case models.OperationAdd:
			ok, err := cfg.applyAdd(ctx, p, logger, op)
			if err != nil {
				return result, err
			}
			if ok {
				result.Added++
				remoteCount++
			}
		case models.OperationRemove:
			ok, err := cfg.applyRemove(ctx, p, logger, op)
			if err != nil {
				return result, err
			}
			if ok {
				result.Removed++
				remoteCount--
			}
		}

		cfg.emitProgress(ctx, models.SyncProgress{
			Stage:            models.StageProcessing,
			LocalEventCount:  localCount,
			RemoteEventCount: remoteCount,
			Progress:         &models.Progress{Current: i + 1, Total: len(ops)},
			LastOperation:    &models.LastOperation{Type: op.Kind, EventTime: op.Time().UTC().Format(time.RFC3339)},
		})
		cfg.saveStatus(ctx, logger, localCount, remoteCount)
	}

	cfg.finish(ctx, logger, localCount, remoteCount)
	logger.Info("Destination sync complete", "added", result.Added, "removed", result.Removed)
	return result, nil
}

// applyAdd pushes one event and records its mapping. It reports whether the push succeeded.
func (c *Config) applyAdd(ctx context.Context, p provider.Provider, logger *slog.Logger, op models.SyncOperation) (bool, error) {
	results, err := p.PushEvents(ctx, []models.SyncableEvent{op.Event})
	if err != nil {
		return false, fmt.Errorf("failed to push event %s: %w", op.Event.ID, err)
	}
	if len(results) == 0 {
		return false, nil
	}
	res := results[0]
	if res.Err != nil {
		logger.Warn("Failed to push event", "eventId", op.Event.ID, "error", res.Err)
		return false, nil
	}

	err = c.Mappings.CreateMapping(ctx, models.EventMapping{
		EventStateID:        op.Event.ID,
		DestinationID:       c.DestinationID,
		DestinationEventUID: res.UID,
		DeleteIdentifier:    res.DeleteID,
		StartTime:           op.Event.StartTime,
		EndTime:             op.Event.EndTime,
	})
	if err != nil {
		// The remote copy exists and the next pass adopts it by uid.
		logger.Error("Failed to record event mapping", "eventId", op.Event.ID, "uid", res.UID, "error", err)
	}
	return true, nil
}

// applyRemove deletes one remote event and forgets its mapping. It reports whether the delete succeeded.
func (c *Config) applyRemove(ctx context.Context, p provider.Provider, logger *slog.Logger, op models.SyncOperation) (bool, error) {
	results, err := p.DeleteEvents(ctx, []string{op.DeleteID})
	if err != nil {
		return false, fmt.Errorf("failed to delete event %s: %w", op.UID, err)
	}
	if len(results) == 0 {
		return false, nil
	}
	if results[0].Err != nil {
		logger.Warn("Failed to delete event", "uid", op.UID, "error", results[0].Err)
		return false, nil
	}

	if err := c.Mappings.DeleteMappingByUID(ctx, c.DestinationID, op.UID); err != nil {
		logger.Error("Failed to delete event mapping", "uid", op.UID, "error", err)
	}
	return true, nil
}

// reconcileMappings records adopted remote copies, drops released mappings and prunes
// mappings of events that ended up before the window. Failures are logged: the next
// pass computes the same changes again.
func (c *Config) reconcileMappings(ctx context.Context, logger *slog.Logger, adopt, release []models.EventMapping, prune bool) {
	for _, m := range adopt {
		if err := c.Mappings.CreateMapping(ctx, m); err != nil {
			logger.Error("Failed to adopt remote event", "eventId", m.EventStateID, "uid", m.DestinationEventUID, "error", err)
		}
	}
	for _, m := range release {
		if err := c.Mappings.DeleteMapping(ctx, c.DestinationID, m.EventStateID); err != nil {
			logger.Error("Failed to release event mapping", "eventId", m.EventStateID, "error", err)
		}
	}
	if len(adopt) > 0 || len(release) > 0 {
		logger.Debug("Reconciled event mappings", "adopted", len(adopt), "released", len(release))
	}

	if !prune {
		return
	}
	n, err := c.Mappings.DeleteMappingsBefore(ctx, c.DestinationID, c.Window.Since)
	if err != nil {
		logger.Warn("Failed to prune past event mappings", "error", err)
		return
	}
	logger.Debug("Pruned past event mappings", "count", n)
}

func (c *Config) inWindow(mappings []models.EventMapping) []models.EventMapping {
	if c.Window.Since.IsZero() {
		return mappings
	}
	kept := mappings[:0:0]
	for _, m := range mappings {
		if !m.StartTime.Before(c.Window.Since) {
			kept = append(kept, m)
		}
	}
	return kept
}

func (c *Config) emitProgress(ctx context.Context, progress models.SyncProgress) {
	progress.DestinationID = c.DestinationID
	progress.Status = models.StatusSyncing
	c.emit(ctx, progress)
}

func (c *Config) emit(ctx context.Context, progress models.SyncProgress) {
	if c.Emitter == nil {
		return
	}
	if err := c.Emitter.Emit(ctx, c.UserID, models.EventSyncStatus, progress); err != nil {
		c.Logger.Debug("Failed to emit sync progress", "destinationId", c.DestinationID, "error", err)
	}
}

func (c *Config) saveStatus(ctx context.Context, logger *slog.Logger, localCount, remoteCount int) models.SyncStatus {
	status := models.SyncStatus{
		DestinationID:    c.DestinationID,
		LocalEventCount:  localCount,
		RemoteEventCount: remoteCount,
		LastSyncedAt:     c.now().UTC(),
	}
	if err := c.Statuses.SaveSyncStatus(ctx, status); err != nil {
		logger.Error("Failed to save sync status", "error", err)
	}
	return status
}

// finish persists the final counts and tells clients the destination is idle.
func (c *Config) finish(ctx context.Context, logger *slog.Logger, localCount, remoteCount int) {
	status := c.saveStatus(ctx, logger, localCount, remoteCount)
	c.emit(ctx, models.IdleProgress(status))
}
