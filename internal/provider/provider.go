// Package provider defines the capability every destination calendar implements
// and the credential and rate-limit plumbing the concrete variants share.
package provider

import (
	"context"
	"time"

	"keeper/internal/models"
)

const (
	// RateLimitDelay is how long a provider pauses before the next operation after a rate-limit signal.
	RateLimitDelay = 60 * time.Second

	// RefreshBuffer is how close to expiry an access token may get before it is refreshed.
	RefreshBuffer = 5 * time.Minute

	// RefreshTimeout bounds a single OAuth refresh request.
	RefreshTimeout = 30 * time.Second
)

// ListOptions bounds the window of remote events to list. A zero Until means unbounded.
type ListOptions struct {
	Since time.Time
	Until time.Time
}

// PushResult is the outcome of pushing one event. On success UID is the keeper uid
// and DeleteID the provider-native identifier needed to remove the event later.
type PushResult struct {
	UID      string
	DeleteID string
	Err      error
}

// DeleteResult is the outcome of deleting one remote event.
type DeleteResult struct {
	ID  string
	Err error
}

// Provider is the capability exposed by every destination calendar.
//
// PushEvents and DeleteEvents return one result per input, in order. Per-item failures
// are reported inside the results; the returned error is reserved for failures that
// make the whole pass pointless, such as a failed token refresh.
type Provider interface {
	ListRemoteEvents(ctx context.Context, opts ListOptions) ([]models.RemoteEvent, error)
	PushEvents(ctx context.Context, events []models.SyncableEvent) ([]PushResult, error)
	DeleteEvents(ctx context.Context, ids []string) ([]DeleteResult, error)
}

// Factory builds a Provider for destinations of one kind.
type Factory interface {
	Kind() string
	New(ctx context.Context, destination models.Destination) (Provider, error)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Wait blocks for d, returning early with the context error if ctx is cancelled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StartOfDay returns 00:00 of the day containing t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
