package store

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder and column type differences between drivers.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, true
	case "sqlite", "sqlite3", "":
		return DialectSQLite, true
	}
	return "", false
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// rebind rewrites '?' placeholders into '$n' for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SchemaStatements returns the DDL for every table the store uses.
func SchemaStatements(d Dialect) []string {
	ts := d.timestampType()
	return []string{
		`CREATE TABLE IF NOT EXISTS calendar_sources (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_states (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES calendar_sources(id) ON DELETE CASCADE,
			start_time ` + ts + ` NOT NULL,
			end_time ` + ts + ` NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS event_states_source_start_idx ON event_states (source_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS calendar_destinations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			account_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			access_token_expires_at ` + ts + `,
			calendar_id TEXT NOT NULL DEFAULT '',
			server_url TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE (provider, account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_mappings (
			id TEXT PRIMARY KEY,
			event_state_id TEXT NOT NULL,
			destination_id TEXT NOT NULL REFERENCES calendar_destinations(id) ON DELETE CASCADE,
			destination_event_uid TEXT NOT NULL,
			delete_identifier TEXT NOT NULL DEFAULT '',
			start_time ` + ts + ` NOT NULL,
			end_time ` + ts + ` NOT NULL,
			created_at ` + ts + ` NOT NULL,
			UNIQUE (event_state_id, destination_id)
		)`,
		`CREATE INDEX IF NOT EXISTS event_mappings_destination_uid_idx ON event_mappings (destination_id, destination_event_uid)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
			destination_id TEXT PRIMARY KEY REFERENCES calendar_destinations(id) ON DELETE CASCADE,
			local_event_count INTEGER NOT NULL DEFAULT 0,
			remote_event_count INTEGER NOT NULL DEFAULT 0,
			last_synced_at ` + ts + ` NOT NULL
		)`,
	}
}
