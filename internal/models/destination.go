package models

import "time"

// Destination provider kinds.
const (
	ProviderGoogle   = "google"
	ProviderOutlook  = "outlook"
	ProviderCalDAV   = "caldav"
	ProviderFastMail = "fastmail"
	ProviderICloud   = "icloud"
)

// Destination is a third-party calendar account that receives mirrored events.
// OAuth providers use the token fields, CalDAV based providers use ServerURL, Username and Password.
type Destination struct {
	ID        string
	UserID    string
	Provider  string
	AccountID string
	Email     string

	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt time.Time

	CalendarID string // Remote calendar ID, URL or display name depending on the provider
	ServerURL  string
	Username   string
	Password   string
}

// Source is a remote calendar feed the user reads events from.
type Source struct {
	ID     string
	UserID string
	Name   string
	URL    string
}
