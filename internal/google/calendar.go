package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"keeper/internal/identity"
	"keeper/internal/models"
	"keeper/internal/provider"
)

const (
	defaultCalendarID = "primary"
	listPageSize      = 2500
)

// Factory builds Google Calendar providers for linked destinations.
type Factory struct {
	OAuthConfig *oauth2.Config
	Tokens      provider.TokenStore
	Location    *time.Location
	Logger      *slog.Logger

	// ClientOptions are appended when creating the calendar service, e.g. to point it at a test server.
	ClientOptions []option.ClientOption
}

// NewFactory creates a Factory sharing one OAuth client configuration.
func NewFactory(config *oauth2.Config, tokens provider.TokenStore, loc *time.Location, logger *slog.Logger) *Factory {
	return &Factory{OAuthConfig: config, Tokens: tokens, Location: loc, Logger: logger}
}

// Kind implements provider.Factory.
func (f *Factory) Kind() string {
	return models.ProviderGoogle
}

// New implements provider.Factory.
func (f *Factory) New(ctx context.Context, destination models.Destination) (provider.Provider, error) {
	logger := f.Logger.With("provider", models.ProviderGoogle, "destinationId", destination.ID)
	tokens := provider.NewTokenSource(f.OAuthConfig, f.Tokens, destination, logger)

	httpClient := &http.Client{Transport: &oauth2.Transport{Source: tokens}}
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, f.ClientOptions...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	calendarID := destination.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}

	return &CalendarProvider{
		service:    service,
		tokens:     tokens,
		calendarID: calendarID,
		userID:     destination.UserID,
		location:   loc,
		logger:     logger,
		sleep:      provider.Wait,
		now:        time.Now,
	}, nil
}

// CalendarProvider mirrors events into one Google calendar.
type CalendarProvider struct {
	service    *calendar.Service
	tokens     *provider.TokenSource
	calendarID string
	userID     string
	location   *time.Location
	logger     *slog.Logger
	sleep      provider.SleepFunc
	now        func() time.Time
}

// ListRemoteEvents returns the keeper events on the calendar starting from opts.Since,
// or from today at 00:00 in the configured location when unset.
func (p *CalendarProvider) ListRemoteEvents(ctx context.Context, opts provider.ListOptions) ([]models.RemoteEvent, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}

	since := opts.Since
	if since.IsZero() {
		since = provider.StartOfDay(p.now(), p.location)
	}

	call := p.service.Events.List(p.calendarID).
		ShowDeleted(false).
		MaxResults(listPageSize).
		TimeMin(since.Format(time.RFC3339))
	if !opts.Until.IsZero() {
		call = call.TimeMax(opts.Until.Format(time.RFC3339))
	}

	var remote []models.RemoteEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if !identity.IsKeeperEvent(item.ICalUID) {
				continue
			}
			start, ok := p.parseEventTime(item.Start)
			if !ok {
				continue
			}
			end, ok := p.parseEventTime(item.End)
			if !ok {
				continue
			}
			remote = append(remote, models.RemoteEvent{
				UID:       item.ICalUID,
				DeleteID:  item.ICalUID,
				StartTime: start,
				EndTime:   end,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", toAPIError(err))
	}

	p.logger.Debug("Listed remote events", "calendarID", p.calendarID, "count", len(remote))
	return remote, nil
}

// PushEvents creates one event per input. An event that already exists with the
// same iCalUID counts as pushed.
func (p *CalendarProvider) PushEvents(ctx context.Context, events []models.SyncableEvent) ([]provider.PushResult, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("Pushing events", "calendarID", p.calendarID, "count", len(events))

	results := make([]provider.PushResult, 0, len(events))
	for i, event := range events {
		result := p.pushEvent(ctx, event)
		results = append(results, result)

		if result.Err != nil && provider.IsRateLimited(result.Err) {
			p.logger.Warn("Rate limit hit, waiting before continuing", "delay", provider.RateLimitDelay)
			if err := p.sleep(ctx, provider.RateLimitDelay); err != nil {
				for _, rest := range events[i+1:] {
					results = append(results, provider.PushResult{UID: identity.GenerateUID(p.userID, rest), Err: err})
				}
				return results, err
			}
		}
	}
	return results, nil
}

func (p *CalendarProvider) pushEvent(ctx context.Context, event models.SyncableEvent) provider.PushResult {
	uid := identity.GenerateUID(p.userID, event)
	created, err := p.service.Events.Insert(p.calendarID, toGoogleEvent(event, uid)).Context(ctx).Do()
	if err != nil {
		apiErr := toAPIError(err)
		var e *provider.APIError
		if errors.As(apiErr, &e) && e.StatusCode == http.StatusConflict {
			p.logger.Debug("Event already exists", "uid", uid)
			return provider.PushResult{UID: uid, DeleteID: uid}
		}
		p.logger.Error("Failed to push event", "uid", uid, "error", apiErr)
		return provider.PushResult{UID: uid, Err: apiErr}
	}
	p.logger.Debug("Event created", "uid", uid, "remoteId", created.Id)
	return provider.PushResult{UID: uid, DeleteID: uid}
}

// DeleteEvents removes events by keeper uid. Google cannot delete by iCalUID, so each
// event is looked up first; events that cannot be found count as deleted.
func (p *CalendarProvider) DeleteEvents(ctx context.Context, ids []string) ([]provider.DeleteResult, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("Deleting events", "calendarID", p.calendarID, "count", len(ids))

	results := make([]provider.DeleteResult, 0, len(ids))
	for i, uid := range ids {
		result := provider.DeleteResult{ID: uid, Err: p.deleteEvent(ctx, uid)}
		results = append(results, result)

		if result.Err != nil && provider.IsRateLimited(result.Err) {
			p.logger.Warn("Rate limit hit, waiting before continuing", "delay", provider.RateLimitDelay)
			if err := p.sleep(ctx, provider.RateLimitDelay); err != nil {
				for _, rest := range ids[i+1:] {
					results = append(results, provider.DeleteResult{ID: rest, Err: err})
				}
				return results, err
			}
		}
	}
	return results, nil
}

func (p *CalendarProvider) deleteEvent(ctx context.Context, uid string) error {
	found, err := p.service.Events.List(p.calendarID).ICalUID(uid).ShowDeleted(false).Context(ctx).Do()
	if err != nil {
		if apiErr := toAPIError(err); !provider.IsNotFound(apiErr) {
			return apiErr
		}
		return nil
	}
	if len(found.Items) == 0 {
		p.logger.Debug("Event not found, skipping delete", "uid", uid)
		return nil
	}

	eventID := found.Items[0].Id
	if err := p.service.Events.Delete(p.calendarID, eventID).Context(ctx).Do(); err != nil {
		apiErr := toAPIError(err)
		if provider.IsNotFound(apiErr) {
			return nil
		}
		p.logger.Error("Failed to delete event", "uid", uid, "eventId", eventID, "error", apiErr)
		return apiErr
	}
	p.logger.Debug("Event deleted", "uid", uid, "eventId", eventID)
	return nil
}

// parseEventTime reads a timed or all-day event boundary.
func (p *CalendarProvider) parseEventTime(t *calendar.EventDateTime) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		return parsed, err == nil
	}
	if t.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", t.Date, p.location)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toGoogleEvent(event models.SyncableEvent, uid string) *calendar.Event {
	return &calendar.Event{
		ICalUID:     uid,
		Summary:     event.Summary,
		Description: event.Description,
		Start:       &calendar.EventDateTime{DateTime: event.StartTime.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: event.EndTime.UTC().Format(time.RFC3339)},
	}
}

// toAPIError converts a googleapi error into a provider.APIError, leaving other errors untouched.
func toAPIError(err error) error {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return err
	}
	apiErr := &provider.APIError{StatusCode: gErr.Code, Message: gErr.Message}
	if len(gErr.Errors) > 0 {
		apiErr.Code = gErr.Errors[0].Reason
		if apiErr.Message == "" {
			apiErr.Message = gErr.Errors[0].Message
		}
	}
	return apiErr
}
