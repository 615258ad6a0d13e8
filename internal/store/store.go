// Package store is the relational data-access layer: local events, destinations,
// event mappings and per-destination sync status.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"keeper/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDestinationOwned is returned when a calendar account is already linked to another user.
	ErrDestinationOwned = errors.New("destination account is linked to another user")
)

// Store implements the data-access interfaces consumed by the sync engine.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database identified by driver and dsn.
func Open(driver, dsn string) (*Store, error) {
	dialect, ok := ParseDialect(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	if dialect == DialectSQLite && !strings.Contains(dsn, "_time_format") {
		// Store timestamps in a sortable format so range queries compare correctly.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps in-memory databases shared and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range SchemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// SaveSource inserts or renames a calendar source.
func (s *Store) SaveSource(ctx context.Context, src models.Source) (models.Source, error) {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO calendar_sources (id, user_id, name, url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, url = excluded.url`,
		src.ID, src.UserID, src.Name, src.URL, s.now().UTC())
	if err != nil {
		return models.Source{}, fmt.Errorf("failed to save source: %w", err)
	}
	return src, nil
}

// SaveEvent inserts or replaces a local event state belonging to event.SourceID.
func (s *Store) SaveEvent(ctx context.Context, event models.SyncableEvent) (models.SyncableEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO event_states (id, source_id, start_time, end_time, summary, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			summary = excluded.summary,
			description = excluded.description`,
		event.ID, event.SourceID, event.StartTime.UTC(), event.EndTime.UTC(), event.Summary, event.Description, s.now().UTC())
	if err != nil {
		return models.SyncableEvent{}, fmt.Errorf("failed to save event: %w", err)
	}
	return event, nil
}

// DeleteEvent removes a local event state.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM event_states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// ListEvents returns the user's events starting at or after since, ordered by start time.
// Events without a summary are titled after their source.
func (s *Store) ListEvents(ctx context.Context, userID string, since time.Time) ([]models.SyncableEvent, error) {
	rows, err := s.query(ctx, `
		SELECT e.id, e.start_time, e.end_time, e.summary, e.description, e.source_id, src.name
		FROM event_states e
		INNER JOIN calendar_sources src ON src.id = e.source_id
		WHERE src.user_id = ? AND e.start_time >= ?
		ORDER BY e.start_time ASC, e.id ASC`, userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.SyncableEvent
	for rows.Next() {
		var e models.SyncableEvent
		if err := rows.Scan(&e.ID, &e.StartTime, &e.EndTime, &e.Summary, &e.Description, &e.SourceID, &e.SourceName); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Summary == "" {
			e.Summary = e.SourceName
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListUserIDs returns every user that has at least one destination.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT user_id FROM calendar_destinations ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const destinationColumns = `id, user_id, provider, account_id, email, access_token, refresh_token,
	access_token_expires_at, calendar_id, server_url, username, password`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDestination(row rowScanner) (models.Destination, error) {
	var d models.Destination
	var expiresAt sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Provider, &d.AccountID, &d.Email, &d.AccessToken, &d.RefreshToken,
		&expiresAt, &d.CalendarID, &d.ServerURL, &d.Username, &d.Password)
	if err != nil {
		return models.Destination{}, err
	}
	if expiresAt.Valid {
		d.AccessTokenExpiresAt = expiresAt.Time
	}
	return d, nil
}

// SaveDestination links a calendar account to a user, refreshing credentials if it is already linked.
func (s *Store) SaveDestination(ctx context.Context, d models.Destination) (models.Destination, error) {
	var ownerID, existingID string
	err := s.queryRow(ctx, `SELECT id, user_id FROM calendar_destinations WHERE provider = ? AND account_id = ?`,
		d.Provider, d.AccountID).Scan(&existingID, &ownerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
	case err != nil:
		return models.Destination{}, fmt.Errorf("failed to look up destination: %w", err)
	case ownerID != d.UserID:
		return models.Destination{}, ErrDestinationOwned
	default:
		d.ID = existingID
	}

	var expiresAt sql.NullTime
	if !d.AccessTokenExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: d.AccessTokenExpiresAt.UTC(), Valid: true}
	}
	now := s.now().UTC()
	_, err = s.exec(ctx, `
		INSERT INTO calendar_destinations (`+destinationColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, account_id) DO UPDATE SET
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_token_expires_at = excluded.access_token_expires_at,
			calendar_id = excluded.calendar_id,
			server_url = excluded.server_url,
			username = excluded.username,
			password = excluded.password,
			updated_at = excluded.updated_at`,
		d.ID, d.UserID, d.Provider, d.AccountID, d.Email, d.AccessToken, d.RefreshToken,
		expiresAt, d.CalendarID, d.ServerURL, d.Username, d.Password, now, now)
	if err != nil {
		return models.Destination{}, fmt.Errorf("failed to save destination: %w", err)
	}
	return d, nil
}

// GetDestination loads a destination by ID.
func (s *Store) GetDestination(ctx context.Context, id string) (models.Destination, error) {
	d, err := scanDestination(s.queryRow(ctx, `SELECT `+destinationColumns+` FROM calendar_destinations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Destination{}, ErrNotFound
	}
	if err != nil {
		return models.Destination{}, fmt.Errorf("failed to load destination: %w", err)
	}
	return d, nil
}

// ListDestinations returns every destination linked to the user.
func (s *Store) ListDestinations(ctx context.Context, userID string) ([]models.Destination, error) {
	rows, err := s.query(ctx, `SELECT `+destinationColumns+` FROM calendar_destinations WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	var destinations []models.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		destinations = append(destinations, d)
	}
	return destinations, rows.Err()
}

// DeleteDestination unlinks a destination owned by userID.
func (s *Store) DeleteDestination(ctx context.Context, userID, destinationID string) error {
	res, err := s.exec(ctx, `DELETE FROM calendar_destinations WHERE user_id = ? AND id = ?`, userID, destinationID)
	if err != nil {
		return fmt.Errorf("failed to delete destination: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDestinationToken persists a refreshed access token.
func (s *Store) UpdateDestinationToken(ctx context.Context, destinationID, accessToken string, expiresAt time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE calendar_destinations
		SET access_token = ?, access_token_expires_at = ?, updated_at = ?
		WHERE id = ?`, accessToken, expiresAt.UTC(), s.now().UTC(), destinationID)
	if err != nil {
		return fmt.Errorf("failed to update destination token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMappings returns every event mapping recorded for a destination.
func (s *Store) ListMappings(ctx context.Context, destinationID string) ([]models.EventMapping, error) {
	rows, err := s.query(ctx, `
		SELECT id, event_state_id, destination_id, destination_event_uid, delete_identifier, start_time, end_time
		FROM event_mappings
		WHERE destination_id = ?
		ORDER BY start_time ASC`, destinationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list event mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.EventMapping
	for rows.Next() {
		var m models.EventMapping
		if err := rows.Scan(&m.ID, &m.EventStateID, &m.DestinationID, &m.DestinationEventUID, &m.DeleteIdentifier, &m.StartTime, &m.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan event mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// CreateMapping records that the destination holds the event. An existing mapping
// for the same (event, destination) pair is replaced.
func (s *Store) CreateMapping(ctx context.Context, m models.EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO event_mappings (id, event_state_id, destination_id, destination_event_uid, delete_identifier, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_state_id, destination_id) DO UPDATE SET
			destination_event_uid = excluded.destination_event_uid,
			delete_identifier = excluded.delete_identifier,
			start_time = excluded.start_time,
			end_time = excluded.end_time`,
		m.ID, m.EventStateID, m.DestinationID, m.DestinationEventUID, m.DeleteIdentifier, m.StartTime.UTC(), m.EndTime.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create event mapping: %w", err)
	}
	return nil
}

// DeleteMappingByUID removes the mappings pointing at a remote uid. Missing rows are not an error.
func (s *Store) DeleteMappingByUID(ctx context.Context, destinationID, uid string) error {
	_, err := s.exec(ctx, `DELETE FROM event_mappings WHERE destination_id = ? AND destination_event_uid = ?`, destinationID, uid)
	if err != nil {
		return fmt.Errorf("failed to delete event mapping: %w", err)
	}
	return nil
}

// DeleteMapping removes the mapping of one local event. Missing rows are not an error.
func (s *Store) DeleteMapping(ctx context.Context, destinationID, eventStateID string) error {
	_, err := s.exec(ctx, `DELETE FROM event_mappings WHERE destination_id = ? AND event_state_id = ?`, destinationID, eventStateID)
	if err != nil {
		return fmt.Errorf("failed to delete event mapping: %w", err)
	}
	return nil
}

// DeleteMappingsBefore removes the mappings of events starting before the given time
// and returns how many were removed.
func (s *Store) DeleteMappingsBefore(ctx context.Context, destinationID string, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM event_mappings WHERE destination_id = ? AND start_time < ?`, destinationID, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune event mappings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned event mappings: %w", err)
	}
	return n, nil
}

// SaveSyncStatus upserts the last known counts for a destination.
func (s *Store) SaveSyncStatus(ctx context.Context, status models.SyncStatus) error {
	if status.LastSyncedAt.IsZero() {
		status.LastSyncedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_status (destination_id, local_event_count, remote_event_count, last_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (destination_id) DO UPDATE SET
			local_event_count = excluded.local_event_count,
			remote_event_count = excluded.remote_event_count,
			last_synced_at = excluded.last_synced_at`,
		status.DestinationID, status.LocalEventCount, status.RemoteEventCount, status.LastSyncedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

// ListSyncStatuses returns the persisted status of every destination the user owns.
func (s *Store) ListSyncStatuses(ctx context.Context, userID string) ([]models.SyncStatus, error) {
	rows, err := s.query(ctx, `
		SELECT st.destination_id, st.local_event_count, st.remote_event_count, st.last_synced_at
		FROM sync_status st
		INNER JOIN calendar_destinations d ON d.id = st.destination_id
		WHERE d.user_id = ?
		ORDER BY st.destination_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync statuses: %w", err)
	}
	defer rows.Close()

	var statuses []models.SyncStatus
	for rows.Next() {
		var st models.SyncStatus
		if err := rows.Scan(&st.DestinationID, &st.LocalEventCount, &st.RemoteEventCount, &st.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
