// Package caldav mirrors events into CalDAV calendars, including FastMail and iCloud.
package caldav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"keeper/internal/identity"
	"keeper/internal/models"
	"keeper/internal/provider"
)

const (
	FastMailEndpoint = "https://caldav.fastmail.com/dav/"
	ICloudEndpoint   = "https://caldav.icloud.com/"

	productID = "-//keeper.sh//keeper//EN"

	// listHorizon bounds the calendar-query time range when no end is requested.
	listHorizon = 10 * 365 * 24 * time.Hour
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "keeper/1.0")
	return t.Transport.RoundTrip(req)
}

// Factory builds CalDAV providers. FastMail and iCloud are CalDAV servers at fixed endpoints.
type Factory struct {
	kind     string
	endpoint string // Empty means the destination carries its own server URL
	Location *time.Location
	Logger   *slog.Logger

	// Transport is the base round tripper, http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// NewFactory returns a factory for generic CalDAV servers.
func NewFactory(loc *time.Location, logger *slog.Logger) *Factory {
	return &Factory{kind: models.ProviderCalDAV, Location: loc, Logger: logger}
}

// NewFastMailFactory returns a factory for FastMail calendars.
func NewFastMailFactory(loc *time.Location, logger *slog.Logger) *Factory {
	return &Factory{kind: models.ProviderFastMail, endpoint: FastMailEndpoint, Location: loc, Logger: logger}
}

// NewICloudFactory returns a factory for iCloud calendars.
func NewICloudFactory(loc *time.Location, logger *slog.Logger) *Factory {
	return &Factory{kind: models.ProviderICloud, endpoint: ICloudEndpoint, Location: loc, Logger: logger}
}

// FactoryFor returns the factory for a CalDAV based provider kind. Unknown kinds get a
// generic CalDAV factory.
func FactoryFor(kind string, loc *time.Location, logger *slog.Logger) *Factory {
	switch kind {
	case models.ProviderFastMail:
		return NewFastMailFactory(loc, logger)
	case models.ProviderICloud:
		return NewICloudFactory(loc, logger)
	default:
		return NewFactory(loc, logger)
	}
}

// AccountID identifies the account behind a CalDAV destination as username@host, so
// linking the same account twice updates the existing destination.
func AccountID(destination models.Destination) string {
	endpoint := destination.ServerURL
	switch destination.Provider {
	case models.ProviderFastMail:
		endpoint = FastMailEndpoint
	case models.ProviderICloud:
		endpoint = ICloudEndpoint
	}
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return destination.Username + "@" + host
}

// Kind implements provider.Factory.
func (f *Factory) Kind() string {
	return f.kind
}

// New implements provider.Factory. It resolves the destination calendar before returning.
func (f *Factory) New(ctx context.Context, destination models.Destination) (provider.Provider, error) {
	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = destination.ServerURL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("destination %s has no caldav server url", destination.ID)
	}

	base := f.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  destination.Username,
		Password:  destination.Password,
		Transport: base,
	}}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav server url: %w", err)
	}

	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	p := &CalDAVProvider{
		client:     client,
		httpClient: httpClient,
		endpoint:   endpointURL,
		userID:     destination.UserID,
		location:   loc,
		logger:     f.Logger.With("provider", f.kind, "destinationId", destination.ID),
		now:        time.Now,
	}

	calendarPath, err := p.resolveCalendar(ctx, destination.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar %q: %w", destination.CalendarID, err)
	}
	p.calendarPath = calendarPath
	p.logger.Debug("Resolved calendar", "path", calendarPath)
	return p, nil
}

// CalDAVProvider mirrors events into one CalDAV calendar collection.
type CalDAVProvider struct {
	client       *caldav.Client
	httpClient   *http.Client
	endpoint     *url.URL
	calendarPath string
	userID       string
	location     *time.Location
	logger       *slog.Logger
	now          func() time.Time
}

// ListRemoteEvents returns the keeper events in the calendar from opts.Since on.
// DeleteID is the path of the calendar object holding the event.
func (p *CalDAVProvider) ListRemoteEvents(ctx context.Context, opts provider.ListOptions) ([]models.RemoteEvent, error) {
	since := opts.Since
	if since.IsZero() {
		since = provider.StartOfDay(p.now(), p.location)
	}
	until := opts.Until
	if until.IsZero() {
		until = since.Add(listHorizon)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropDateTimeStart, ical.PropDateTimeEnd},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: since.UTC(),
				End:   until.UTC(),
			}},
		},
	}

	objects, err := p.client.QueryCalendar(ctx, p.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var remote []models.RemoteEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, event := range obj.Data.Events() {
			if e, ok := p.toRemoteEvent(obj.Path, event); ok {
				remote = append(remote, e)
			}
		}
	}

	p.logger.Debug("Listed remote events", "count", len(remote))
	return remote, nil
}

func (p *CalDAVProvider) toRemoteEvent(objectPath string, event ical.Event) (models.RemoteEvent, bool) {
	uid, err := event.Props.Text(ical.PropUID)
	if err != nil || !identity.IsKeeperEvent(uid) {
		return models.RemoteEvent{}, false
	}
	start, err := event.DateTimeStart(p.location)
	if err != nil {
		return models.RemoteEvent{}, false
	}
	end, err := event.DateTimeEnd(p.location)
	if err != nil {
		end = start
	}
	return models.RemoteEvent{UID: uid, DeleteID: objectPath, StartTime: start, EndTime: end}, true
}

// PushEvents stores each event as its own calendar object named after its uid.
// Re-pushing an event overwrites the same object.
func (p *CalDAVProvider) PushEvents(ctx context.Context, events []models.SyncableEvent) ([]provider.PushResult, error) {
	p.logger.Info("Pushing events", "count", len(events))

	results := make([]provider.PushResult, 0, len(events))
	for _, event := range events {
		uid := identity.GenerateUID(p.userID, event)
		objectPath := p.objectPath(uid)

		if _, err := p.client.PutCalendarObject(ctx, objectPath, newCalendar(event, uid, p.now())); err != nil {
			p.logger.Error("Failed to push event", "uid", uid, "error", err)
			results = append(results, provider.PushResult{UID: uid, Err: fmt.Errorf("failed to put calendar object: %w", err)})
			continue
		}
		results = append(results, provider.PushResult{UID: uid, DeleteID: objectPath})
	}
	return results, nil
}

// DeleteEvents removes calendar objects by path. Objects that are already gone count as deleted.
func (p *CalDAVProvider) DeleteEvents(ctx context.Context, ids []string) ([]provider.DeleteResult, error) {
	p.logger.Info("Deleting events", "count", len(ids))

	results := make([]provider.DeleteResult, 0, len(ids))
	for _, id := range ids {
		objectPath := id
		if !strings.HasSuffix(objectPath, ".ics") {
			// A bare uid, e.g. from a mapping recorded without a delete identifier.
			objectPath = p.objectPath(id)
		}
		err := p.deleteObject(ctx, objectPath)
		if err != nil {
			p.logger.Error("Failed to delete event", "path", objectPath, "error", err)
		}
		results = append(results, provider.DeleteResult{ID: id, Err: err})
	}
	return results, nil
}

// deleteObject issues the DELETE itself: the webdav client does not expose the
// response status, and 404 and 410 mean the object is already gone.
func (p *CalDAVProvider) deleteObject(ctx context.Context, objectPath string) error {
	target := p.endpoint.ResolveReference(&url.URL{Path: objectPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete calendar object: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode/100 == 2, resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil
	default:
		return &provider.APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
}

func (p *CalDAVProvider) objectPath(uid string) string {
	return path.Join(p.calendarPath, uid+".ics")
}

// resolveCalendar turns the destination's calendar reference into a collection path.
// A URL or absolute path is used as is; anything else is matched against calendar names,
// and an empty reference selects the first calendar.
func (p *CalDAVProvider) resolveCalendar(ctx context.Context, ref string) (string, error) {
	if calendarPath, ok := calendarPathFromRef(ref); ok {
		return calendarPath, nil
	}

	principalPath, err := p.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := p.client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := p.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if ref == "" || cal.Name == ref {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", ref)
}

func calendarPathFromRef(ref string) (string, bool) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	case strings.HasPrefix(ref, "/"):
		return ref, true
	}
	return "", false
}

// newCalendar wraps a single VEVENT in a VCALENDAR object.
func newCalendar(event models.SyncableEvent, uid string, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(event, uid, stamp))
	return cal
}

// toICal converts a local event to a VEVENT component.
func toICal(event models.SyncableEvent, uid string, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	return ve
}
