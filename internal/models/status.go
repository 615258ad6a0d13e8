package models

import "time"

// SyncStatus is the last persisted outcome of syncing one destination.
type SyncStatus struct {
	DestinationID    string    `json:"destinationId"`
	LocalEventCount  int       `json:"localEventCount"`
	RemoteEventCount int       `json:"remoteEventCount"`
	LastSyncedAt     time.Time `json:"lastSyncedAt"`
}

// InSync reports whether the destination holds as many events as the user has locally.
func (s SyncStatus) InSync() bool {
	return s.LocalEventCount == s.RemoteEventCount
}

// EventSyncStatus is the broadcast event name used for sync progress and status.
const EventSyncStatus = "sync:status"

// Values for SyncProgress.Status.
const (
	StatusSyncing = "syncing"
	StatusIdle    = "idle"
)

// SyncStage names the phase a running sync pass is in.
type SyncStage string

const (
	StageFetching   SyncStage = "fetching"
	StageComparing  SyncStage = "comparing"
	StageProcessing SyncStage = "processing"
)

// Progress counts processed operations within a pass.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// LastOperation describes the most recently applied operation.
type LastOperation struct {
	Type      OperationKind `json:"type"`
	EventTime string        `json:"eventTime"`
}

// SyncProgress is the payload of a sync:status broadcast.
type SyncProgress struct {
	DestinationID    string         `json:"destinationId"`
	Status           string         `json:"status"`
	Stage            SyncStage      `json:"stage,omitempty"`
	LocalEventCount  int            `json:"localEventCount"`
	RemoteEventCount int            `json:"remoteEventCount"`
	Progress         *Progress      `json:"progress,omitempty"`
	LastOperation    *LastOperation `json:"lastOperation,omitempty"`
	InSync           bool           `json:"inSync"`
	LastSyncedAt     *time.Time     `json:"lastSyncedAt,omitempty"`
}

// IdleProgress converts a persisted status into an idle broadcast payload.
func IdleProgress(status SyncStatus) SyncProgress {
	lastSyncedAt := status.LastSyncedAt
	return SyncProgress{
		DestinationID:    status.DestinationID,
		Status:           StatusIdle,
		LocalEventCount:  status.LocalEventCount,
		RemoteEventCount: status.RemoteEventCount,
		InSync:           status.InSync(),
		LastSyncedAt:     &lastSyncedAt,
	}
}
