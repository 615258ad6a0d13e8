// Package server exposes sync status, sync triggering and the live update socket over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"keeper/internal/broadcast"
	"keeper/internal/models"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// StatusLister reads the persisted sync statuses of a user.
type StatusLister interface {
	ListSyncStatuses(ctx context.Context, userID string) ([]models.SyncStatus, error)
}

// SyncTrigger starts a background sync for a user.
type SyncTrigger interface {
	Trigger(ctx context.Context, userID string)
}

// Options wires the router's dependencies.
type Options struct {
	Statuses  StatusLister
	Syncs     SyncTrigger
	Sockets   *broadcast.Handler
	AuthToken string
	// OriginPatterns are the websocket origins accepted besides the request host.
	OriginPatterns []string
	Logger         *slog.Logger
}

type destinationStatus struct {
	DestinationID    string     `json:"destinationId"`
	LocalEventCount  int        `json:"localEventCount"`
	RemoteEventCount int        `json:"remoteEventCount"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt"`
	InSync           bool       `json:"inSync"`
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(opts.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/sync/status", Auth(opts.AuthToken, false), statusHandler(opts))
		api.POST("/sync", Auth(opts.AuthToken, false), triggerHandler(opts))
		api.GET("/socket", Auth(opts.AuthToken, true), socketHandler(opts))
	}
	return r
}

func statusHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserIDFromContext(c)
		statuses, err := opts.Statuses.ListSyncStatuses(c.Request.Context(), userID)
		if err != nil {
			opts.Logger.Error("Failed to list sync statuses", "userId", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync statuses"})
			return
		}
		destinations := make([]destinationStatus, 0, len(statuses))
		for _, s := range statuses {
			entry := destinationStatus{
				DestinationID:    s.DestinationID,
				LocalEventCount:  s.LocalEventCount,
				RemoteEventCount: s.RemoteEventCount,
				InSync:           s.InSync(),
			}
			if !s.LastSyncedAt.IsZero() {
				at := s.LastSyncedAt.UTC()
				entry.LastSyncedAt = &at
			}
			destinations = append(destinations, entry)
		}
		c.JSON(http.StatusOK, gin.H{"destinations": destinations})
	}
}

func triggerHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserIDFromContext(c)
		opts.Syncs.Trigger(c.Request.Context(), userID)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func socketHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserIDFromContext(c)
		err := opts.Sockets.ServeWebsocket(c.Writer, c.Request, userID, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Warn("Websocket upgrade failed", "userId", userID, "error", err)
		}
	}
}

// StatusOnConnect sends the user's current statuses as idle progress to a new socket.
func StatusOnConnect(statuses StatusLister) broadcast.OnConnectFunc {
	return func(ctx context.Context, userID string, socket broadcast.Socket) error {
		list, err := statuses.ListSyncStatuses(ctx, userID)
		if err != nil {
			return err
		}
		for _, s := range list {
			payload, err := json.Marshal(models.IdleProgress(s))
			if err != nil {
				return err
			}
			out, err := json.Marshal(broadcast.Outbound{Event: models.EventSyncStatus, Data: payload})
			if err != nil {
				return err
			}
			if err := socket.Send(ctx, out); err != nil {
				return err
			}
		}
		return nil
	}
}
