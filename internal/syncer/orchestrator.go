package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"keeper/internal/coordinator"
	"keeper/internal/models"
	"keeper/internal/provider"
)

// remoteHorizon is how far ahead remote events are listed.
const remoteHorizon = 10

// Store is the data access the orchestrator needs.
type Store interface {
	MappingStore
	StatusStore
	ListEvents(ctx context.Context, userID string, since time.Time) ([]models.SyncableEvent, error)
	ListDestinations(ctx context.Context, userID string) ([]models.Destination, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Coordinator mints the generation a user's passes run under.
type Coordinator interface {
	GenerationChecker
	StartSync(ctx context.Context, userID string) (coordinator.SyncContext, error)
	EndSync(ctx context.Context, sc coordinator.SyncContext)
}

// Orchestrator runs sync passes for every destination of a user, and for every user.
type Orchestrator struct {
	factories   map[string]provider.Factory
	store       Store
	coordinator Coordinator
	emitter     Emitter
	location    *time.Location
	logger      *slog.Logger
	now         func() time.Time

	background sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator that builds providers with factories.
// Destinations whose kind has no factory fail their pass.
func NewOrchestrator(factories []provider.Factory, store Store, coord Coordinator, emitter Emitter, loc *time.Location, logger *slog.Logger) *Orchestrator {
	byKind := make(map[string]provider.Factory, len(factories))
	for _, f := range factories {
		byKind[f.Kind()] = f
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Orchestrator{
		factories:   byKind,
		store:       store,
		coordinator: coord,
		emitter:     emitter,
		location:    loc,
		logger:      logger,
		now:         time.Now,
	}
}

// SyncUser starts a new generation for userID and syncs all of the user's destinations
// in parallel. A failing destination does not stop the others; their errors are joined.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) (models.SyncResult, error) {
	sc, err := o.coordinator.StartSync(ctx, userID)
	if err != nil {
		return models.SyncResult{}, err
	}
	defer o.coordinator.EndSync(ctx, sc)

	now := o.now()
	window := provider.ListOptions{
		Since: provider.StartOfDay(now, o.location),
		Until: now.AddDate(remoteHorizon, 0, 0),
	}

	var (
		destinations []models.Destination
		events       []models.SyncableEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		destinations, err = o.store.ListDestinations(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list destinations: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		events, err = o.store.ListEvents(gctx, userID, window.Since)
		if err != nil {
			return fmt.Errorf("failed to list local events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.SyncResult{}, err
	}

	o.logger.Info("Starting user sync", "userId", userID, "generation", sc.Generation,
		"destinations", len(destinations), "events", len(events))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total models.SyncResult
		errs  []error
	)
	for _, dest := range destinations {
		wg.Add(1)
		go func(dest models.Destination) {
			defer wg.Done()
			res, err := o.syncDestination(ctx, sc, dest, events, window)

			mu.Lock()
			defer mu.Unlock()
			total.Added += res.Added
			total.Removed += res.Removed
			if err != nil {
				o.logger.Error("Destination sync failed", "userId", userID, "destinationId", dest.ID, "provider", dest.Provider, "error", err)
				errs = append(errs, fmt.Errorf("destination %s: %w", dest.ID, err))
			}
		}(dest)
	}
	wg.Wait()

	return total, errors.Join(errs...)
}

func (o *Orchestrator) syncDestination(ctx context.Context, sc coordinator.SyncContext, dest models.Destination, events []models.SyncableEvent, window provider.ListOptions) (models.SyncResult, error) {
	factory, ok := o.factories[dest.Provider]
	if !ok {
		return models.SyncResult{}, fmt.Errorf("no provider configured for %q", dest.Provider)
	}
	p, err := factory.New(ctx, dest)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("failed to create %s provider: %w", dest.Provider, err)
	}

	return Sync(ctx, p, Config{
		UserID:        sc.UserID,
		DestinationID: dest.ID,
		Mappings:      o.store,
		Statuses:      o.store,
		Generations:   o.coordinator,
		Emitter:       o.emitter,
		Logger:        o.logger.With("provider", dest.Provider),
		Window:        window,
		Now:           o.now,
	}, events, sc)
}

// SyncAll syncs every user with at least one destination. Users are synced in
// parallel and one user's failure never aborts another's.
func (o *Orchestrator) SyncAll(ctx context.Context) (models.SyncResult, error) {
	users, err := o.store.ListUserIDs(ctx)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("failed to list users: %w", err)
	}
	o.logger.Info("Starting sync cycle.", "users", len(users))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total models.SyncResult
		errs  []error
	)
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			res, err := o.SyncUser(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			total.Added += res.Added
			total.Removed += res.Removed
			if err != nil {
				errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			}
		}(userID)
	}
	wg.Wait()

	o.logger.Info("Sync cycle finished.", "added", total.Added, "removed", total.Removed, "failures", len(errs))
	return total, errors.Join(errs...)
}

// Trigger starts a background sync for userID and returns immediately.
// A trigger supersedes any pass already running for the same user.
func (o *Orchestrator) Trigger(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if _, err := o.SyncUser(ctx, userID); err != nil {
			o.logger.Error("Triggered sync failed", "userId", userID, "error", err)
		}
	}()
}

// Wait blocks until every triggered sync has returned.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}
