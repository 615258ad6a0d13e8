// Package outlook mirrors events into Outlook calendars through Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	khttp "github.com/microsoft/kiota-http-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"keeper/internal/identity"
	"keeper/internal/models"
	"keeper/internal/provider"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// uidPropertyID names the single-value extended property holding the keeper uid.
	uidPropertyID = "String {4b8a2a6c-7a6f-4e39-9c3e-1f6a52d0c1a7} Name KeeperUID"

	listPageSize   = 250
	graphTimestamp = "2006-01-02T15:04:05.0000000"
)

// OAuthConfig returns the Azure AD configuration used to refresh Outlook tokens.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
}

// Factory builds Outlook providers for linked destinations.
type Factory struct {
	OAuthConfig *oauth2.Config
	Tokens      provider.TokenStore
	Location    *time.Location
	Logger      *slog.Logger
	BaseURL     string
}

// NewFactory creates a Factory talking to the public Graph endpoint.
func NewFactory(config *oauth2.Config, tokens provider.TokenStore, loc *time.Location, logger *slog.Logger) *Factory {
	return &Factory{OAuthConfig: config, Tokens: tokens, Location: loc, Logger: logger, BaseURL: DefaultBaseURL}
}

// Kind implements provider.Factory.
func (f *Factory) Kind() string {
	return models.ProviderOutlook
}

// New implements provider.Factory.
func (f *Factory) New(_ context.Context, destination models.Destination) (provider.Provider, error) {
	logger := f.Logger.With("provider", models.ProviderOutlook, "destinationId", destination.ID)
	tokens := provider.NewTokenSource(f.OAuthConfig, f.Tokens, destination, logger)

	baseURL := strings.TrimSuffix(f.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	adapter, err := newRequestAdapter(tokens, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}

	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}

	return &GraphProvider{
		client:     msgraphsdk.NewGraphServiceClient(adapter),
		tokens:     tokens,
		calendarID: destination.CalendarID,
		userID:     destination.UserID,
		location:   loc,
		logger:     logger,
		sleep:      provider.Wait,
		now:        time.Now,
	}, nil
}

// accessTokens hands the destination's OAuth token to the Graph SDK.
type accessTokens struct {
	tokens *provider.TokenSource
	hosts  *authentication.AllowedHostsValidator
}

func (a *accessTokens) GetAuthorizationToken(ctx context.Context, u *url.URL, _ map[string]any) (string, error) {
	if !a.hosts.IsUrlHostValid(u) {
		return "", nil
	}
	token, err := a.tokens.EnsureFresh(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (a *accessTokens) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return a.hosts
}

// newRequestAdapter builds a Graph request adapter authenticated with tokens. The SDK's
// retry middleware is turned off: rate limits are handled per operation by the provider.
func newRequestAdapter(tokens *provider.TokenSource, baseURL string) (*msgraphsdk.GraphRequestAdapter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid graph base url: %w", err)
	}
	hosts, err := authentication.NewAllowedHostsValidatorErrorCheck([]string{u.Hostname()})
	if err != nil {
		return nil, err
	}
	auth := authentication.NewBaseBearerTokenAuthenticationProvider(&accessTokens{tokens: tokens, hosts: hosts})

	middleware, err := khttp.GetDefaultMiddlewaresWithOptions(
		&khttp.RetryHandlerOptions{ShouldRetry: func(time.Duration, int, *http.Request, *http.Response) bool { return false }},
		khttp.NewCompressionOptionsReference(false),
	)
	if err != nil {
		return nil, err
	}
	options := msgraphsdk.GetDefaultClientOptions()
	middleware = append([]khttp.Middleware{
		msgraphcore.NewGraphTelemetryHandler(&options),
		khttp.NewUrlReplaceHandler(true, msgraphcore.ReplacementPairs),
	}, middleware...)

	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		auth, nil, nil, khttp.GetDefaultClient(middleware...))
	if err != nil {
		return nil, err
	}
	adapter.SetBaseUrl(baseURL)
	return adapter, nil
}

// GraphProvider mirrors events into one Outlook calendar.
type GraphProvider struct {
	client   *msgraphsdk.GraphServiceClient
	tokens   *provider.TokenSource
	userID   string
	location *time.Location
	logger   *slog.Logger
	sleep    provider.SleepFunc
	now      func() time.Time

	mu         sync.Mutex
	calendarID string // Empty until the user's default calendar is resolved
}

// events returns the events collection of the destination calendar, resolving the
// user's default calendar on first use.
func (p *GraphProvider) events(ctx context.Context) (*users.ItemCalendarsItemEventsRequestBuilder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.calendarID == "" {
		cal, err := p.client.Me().Calendar().Get(ctx, &users.ItemCalendarRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarRequestBuilderGetQueryParameters{Select: []string{"id"}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default calendar: %w", graphError(err))
		}
		if cal == nil || cal.GetId() == nil {
			return nil, errors.New("default calendar has no id")
		}
		p.calendarID = *cal.GetId()
		p.logger.Debug("Resolved default calendar", "calendarId", p.calendarID)
	}
	return p.client.Me().Calendars().ByCalendarId(p.calendarID).Events(), nil
}

func utcHeaders() *abstractions.RequestHeaders {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)
	return headers
}

// ListRemoteEvents returns the keeper events on the calendar starting from opts.Since,
// or from today at 00:00 in the configured location when unset.
func (p *GraphProvider) ListRemoteEvents(ctx context.Context, opts provider.ListOptions) ([]models.RemoteEvent, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	events, err := p.events(ctx)
	if err != nil {
		return nil, err
	}

	since := opts.Since
	if since.IsZero() {
		since = provider.StartOfDay(p.now(), p.location)
	}
	filter := fmt.Sprintf("start/dateTime ge '%s'", since.UTC().Format(graphTimestamp))
	if !opts.Until.IsZero() {
		filter += fmt.Sprintf(" and start/dateTime lt '%s'", opts.Until.UTC().Format(graphTimestamp))
	}
	top := int32(listPageSize)

	page, err := events.Get(ctx, &users.ItemCalendarsItemEventsRequestBuilderGetRequestConfiguration{
		Headers: utcHeaders(),
		QueryParameters: &users.ItemCalendarsItemEventsRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    &top,
			Select: []string{"id", "start", "end"},
			Expand: []string{fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", uidPropertyID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", graphError(err))
	}

	pages, err := msgraphcore.NewPageIterator[graphmodels.Eventable](page, p.client.GetAdapter(), graphmodels.CreateEventCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("failed to page events: %w", err)
	}
	pages.SetHeaders(utcHeaders())

	var remote []models.RemoteEvent
	err = pages.Iterate(ctx, func(item graphmodels.Eventable) bool {
		if e, ok := toRemoteEvent(item); ok {
			remote = append(remote, e)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", graphError(err))
	}

	p.logger.Debug("Listed remote events", "count", len(remote))
	return remote, nil
}

// PushEvents creates one event per input, tagging it with its keeper uid.
func (p *GraphProvider) PushEvents(ctx context.Context, events []models.SyncableEvent) ([]provider.PushResult, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	collection, err := p.events(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Pushing events", "count", len(events))

	results := make([]provider.PushResult, 0, len(events))
	for i, event := range events {
		uid := identity.GenerateUID(p.userID, event)
		created, err := collection.Post(ctx, toGraphEvent(event, uid), &users.ItemCalendarsItemEventsRequestBuilderPostRequestConfiguration{
			Headers: utcHeaders(),
		})
		switch {
		case err != nil:
			err = graphError(err)
			p.logger.Error("Failed to push event", "uid", uid, "error", err)
			results = append(results, provider.PushResult{UID: uid, Err: err})
		case created == nil || created.GetId() == nil:
			err = errors.New("created event has no id")
			results = append(results, provider.PushResult{UID: uid, Err: err})
		default:
			results = append(results, provider.PushResult{UID: uid, DeleteID: *created.GetId()})
		}

		if err != nil && provider.IsRateLimited(err) {
			p.logger.Warn("Rate limit hit, waiting before continuing", "delay", provider.RateLimitDelay)
			if werr := p.sleep(ctx, provider.RateLimitDelay); werr != nil {
				for _, rest := range events[i+1:] {
					results = append(results, provider.PushResult{UID: identity.GenerateUID(p.userID, rest), Err: werr})
				}
				return results, werr
			}
		}
	}
	return results, nil
}

// DeleteEvents removes events by Graph id. Events that no longer exist count as deleted.
func (p *GraphProvider) DeleteEvents(ctx context.Context, ids []string) ([]provider.DeleteResult, error) {
	if _, err := p.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("Deleting events", "count", len(ids))

	results := make([]provider.DeleteResult, 0, len(ids))
	for i, id := range ids {
		err := p.client.Me().Events().ByEventId(id).Delete(ctx, nil)
		if err != nil {
			err = graphError(err)
		}
		if err != nil && provider.IsNotFound(err) {
			err = nil
		}
		if err != nil {
			p.logger.Error("Failed to delete event", "id", id, "error", err)
		}
		results = append(results, provider.DeleteResult{ID: id, Err: err})

		if err != nil && provider.IsRateLimited(err) {
			p.logger.Warn("Rate limit hit, waiting before continuing", "delay", provider.RateLimitDelay)
			if werr := p.sleep(ctx, provider.RateLimitDelay); werr != nil {
				for _, rest := range ids[i+1:] {
					results = append(results, provider.DeleteResult{ID: rest, Err: werr})
				}
				return results, werr
			}
		}
	}
	return results, nil
}

// graphError turns SDK errors into *provider.APIError so the rate-limit and
// not-found checks apply. Other errors pass through.
func graphError(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		apiErr := &provider.APIError{StatusCode: odataErr.GetStatusCode(), Message: http.StatusText(odataErr.GetStatusCode())}
		if main := odataErr.GetErrorEscaped(); main != nil {
			if code := main.GetCode(); code != nil {
				apiErr.Code = *code
			}
			if msg := main.GetMessage(); msg != nil && *msg != "" {
				apiErr.Message = *msg
			}
		}
		return apiErr
	}
	var kiotaErr *abstractions.ApiError
	if errors.As(err, &kiotaErr) {
		return &provider.APIError{StatusCode: kiotaErr.ResponseStatusCode, Message: kiotaErr.Error()}
	}
	return err
}

func toRemoteEvent(item graphmodels.Eventable) (models.RemoteEvent, bool) {
	uid := keeperUID(item)
	if !identity.IsKeeperEvent(uid) || item.GetId() == nil {
		return models.RemoteEvent{}, false
	}
	start, err := parseGraphTime(item.GetStart())
	if err != nil {
		return models.RemoteEvent{}, false
	}
	end, err := parseGraphTime(item.GetEnd())
	if err != nil {
		return models.RemoteEvent{}, false
	}
	return models.RemoteEvent{UID: uid, DeleteID: *item.GetId(), StartTime: start, EndTime: end}, true
}

func keeperUID(item graphmodels.Eventable) string {
	for _, prop := range item.GetSingleValueExtendedProperties() {
		if prop.GetId() != nil && prop.GetValue() != nil && strings.EqualFold(*prop.GetId(), uidPropertyID) {
			return *prop.GetValue()
		}
	}
	return ""
}

func toGraphEvent(event models.SyncableEvent, uid string) graphmodels.Eventable {
	ge := graphmodels.NewEvent()
	subject := event.Summary
	ge.SetSubject(&subject)
	ge.SetStart(graphDateTime(event.StartTime))
	ge.SetEnd(graphDateTime(event.EndTime))

	prop := graphmodels.NewSingleValueLegacyExtendedProperty()
	propID, value := uidPropertyID, uid
	prop.SetId(&propID)
	prop.SetValue(&value)
	ge.SetSingleValueExtendedProperties([]graphmodels.SingleValueLegacyExtendedPropertyable{prop})

	if event.Description != "" {
		body := graphmodels.NewItemBody()
		contentType := graphmodels.TEXT_BODYTYPE
		content := event.Description
		body.SetContentType(&contentType)
		body.SetContent(&content)
		ge.SetBody(body)
	}
	return ge
}

func graphDateTime(t time.Time) graphmodels.DateTimeTimeZoneable {
	v := graphmodels.NewDateTimeTimeZone()
	dateTime, zone := t.UTC().Format(graphTimestamp), "UTC"
	v.SetDateTime(&dateTime)
	v.SetTimeZone(&zone)
	return v
}

// parseGraphTime reads a Graph dateTimeTimeZone value. Windows zone names are not
// resolvable here, so anything that is not an IANA name is read as UTC, which is what
// the Prefer header requests.
func parseGraphTime(v graphmodels.DateTimeTimeZoneable) (time.Time, error) {
	if v == nil || v.GetDateTime() == nil {
		return time.Time{}, errors.New("missing date time")
	}
	loc := time.UTC
	if zone := v.GetTimeZone(); zone != nil && *zone != "" && *zone != "UTC" {
		if l, err := time.LoadLocation(*zone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation("2006-01-02T15:04:05.9999999", *v.GetDateTime(), loc)
}
