package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"keeper/internal/models"
)

// TokenStore persists refreshed access tokens.
type TokenStore interface {
	UpdateDestinationToken(ctx context.Context, destinationID, accessToken string, expiresAt time.Time) error
}

// TokenSource owns the OAuth token of one destination. It refreshes the access token
// when it is within RefreshBuffer of expiring, persists the new token and keeps the
// in-memory copy current. It satisfies oauth2.TokenSource so it can back an oauth2.Transport.
type TokenSource struct {
	config        *oauth2.Config
	store         TokenStore
	destinationID string
	logger        *slog.Logger
	now           func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenSource creates a TokenSource seeded with the destination's stored credentials.
func NewTokenSource(config *oauth2.Config, store TokenStore, destination models.Destination, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		config:        config,
		store:         store,
		destinationID: destination.ID,
		logger:        logger,
		now:           time.Now,
		token: &oauth2.Token{
			AccessToken:  destination.AccessToken,
			RefreshToken: destination.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       destination.AccessTokenExpiresAt,
		},
	}
}

// Token returns a valid access token, refreshing it first if needed.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	return ts.EnsureFresh(context.Background())
}

// EnsureFresh refreshes the token if it is missing or about to expire.
// A failed refresh is reported as *AuthError.
func (ts *TokenSource) EnsureFresh(ctx context.Context) (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.needsRefresh() {
		return ts.token, nil
	}
	if ts.token.RefreshToken == "" {
		return nil, &AuthError{DestinationID: ts.destinationID, Err: errors.New("no refresh token available")}
	}

	ts.logger.Debug("Refreshing access token", "destinationId", ts.destinationID, "expiresAt", ts.token.Expiry)

	refreshCtx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	// A token without an access token forces the refresh_token grant.
	fresh, err := ts.config.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: ts.token.RefreshToken}).Token()
	if err != nil {
		return nil, &AuthError{DestinationID: ts.destinationID, Err: err}
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = ts.token.RefreshToken
	}

	if err := ts.store.UpdateDestinationToken(ctx, ts.destinationID, fresh.AccessToken, fresh.Expiry); err != nil {
		// The new token is still usable for this pass.
		ts.logger.Error("Failed to persist refreshed token", "destinationId", ts.destinationID, "error", err)
	}
	ts.token = fresh
	ts.logger.Info("Refreshed access token", "destinationId", ts.destinationID, "expiresAt", fresh.Expiry)
	return ts.token, nil
}

func (ts *TokenSource) needsRefresh() bool {
	if ts.token.AccessToken == "" {
		return true
	}
	if ts.token.Expiry.IsZero() {
		return false
	}
	return !ts.now().Add(RefreshBuffer).Before(ts.token.Expiry)
}
