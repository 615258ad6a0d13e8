package models

import "time"

// SyncableEvent is the local projection of an event that should exist on every destination.
// It is read once per sync pass and never mutated by the sync engine.
type SyncableEvent struct {
	ID          string    // Event state ID in the local store
	StartTime   time.Time // Start time of the event
	EndTime     time.Time // End time of the event
	Summary     string    // Title shown on the destination calendar
	Description string    // Optional long description
	SourceID    string    // ID of the calendar source the event was read from
	SourceName  string    // Optional display name of the source
}

// RemoteEvent is an event as currently observed on a destination calendar.
type RemoteEvent struct {
	UID       string    // The iCalendar UID generated by keeper
	DeleteID  string    // Provider-native identifier required to delete the event, may equal UID
	StartTime time.Time // Start time of the event
	EndTime   time.Time // End time of the event
}

// EventMapping correlates a local event with its copy on a destination.
// There is at most one mapping per (EventStateID, DestinationID) pair.
type EventMapping struct {
	ID                  string
	EventStateID        string
	DestinationID       string
	DestinationEventUID string
	DeleteIdentifier    string
	StartTime           time.Time
	EndTime             time.Time
}

// OperationKind distinguishes the two mutations a sync pass can issue.
type OperationKind string

const (
	OperationAdd    OperationKind = "add"
	OperationRemove OperationKind = "remove"
)

// SyncOperation is a single remote mutation computed by a sync pass. Operations are never persisted.
type SyncOperation struct {
	Kind OperationKind

	// Set for OperationAdd.
	Event SyncableEvent

	// Set for OperationRemove.
	UID       string
	DeleteID  string
	StartTime time.Time
}

// AddOperation returns an operation that pushes event to the destination.
func AddOperation(event SyncableEvent) SyncOperation {
	return SyncOperation{Kind: OperationAdd, Event: event}
}

// RemoveOperation returns an operation that deletes a remote event.
func RemoveOperation(uid, deleteID string, startTime time.Time) SyncOperation {
	return SyncOperation{Kind: OperationRemove, UID: uid, DeleteID: deleteID, StartTime: startTime}
}

// Time returns the start time of the event the operation touches.
func (o SyncOperation) Time() time.Time {
	if o.Kind == OperationAdd {
		return o.Event.StartTime
	}
	return o.StartTime
}

// SyncResult summarizes the mutations a sync pass applied.
type SyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}
