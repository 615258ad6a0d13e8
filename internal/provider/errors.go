package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError reports that a destination's credentials could not be refreshed.
// It is fatal to the sync pass of that destination.
type AuthError struct {
	DestinationID string
	Err           error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for destination %s: %v", e.DestinationID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError is a non-success response from a calendar API.
type APIError struct {
	StatusCode int
	Code       string // Provider error code or reason, e.g. "rateLimitExceeded"
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("calendar api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("calendar api error %d: %s", e.StatusCode, e.Message)
}

var rateLimitCodes = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"TooManyRequests":       true,
	"ApplicationThrottled":  true,
}

// IsRateLimited reports whether err is a rate-limit signal.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || rateLimitCodes[apiErr.Code]
}

// IsNotFound reports whether err means the remote object does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
}

// IsAuthError reports whether err is an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
