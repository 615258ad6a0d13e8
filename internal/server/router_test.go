package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keeper/internal/broadcast"
	"keeper/internal/models"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatuses struct {
	byUser map[string][]models.SyncStatus
	err    error
}

func (f *fakeStatuses) ListSyncStatuses(_ context.Context, userID string) ([]models.SyncStatus, error) {
	return f.byUser[userID], f.err
}

type fakeTrigger struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeTrigger) Trigger(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

func setupRouter(t *testing.T, token string) (*gin.Engine, *fakeStatuses, *fakeTrigger, *broadcast.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	statuses := &fakeStatuses{byUser: map[string][]models.SyncStatus{
		"u1": {
			{DestinationID: "d1", LocalEventCount: 3, RemoteEventCount: 3, LastSyncedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			{DestinationID: "d2", LocalEventCount: 3, RemoteEventCount: 1},
		},
	}}
	trigger := &fakeTrigger{}
	registry := broadcast.NewRegistry()
	sockets := broadcast.NewHandler(registry, logger, StatusOnConnect(statuses))
	r := NewRouter(Options{
		Statuses:  statuses,
		Syncs:     trigger,
		Sockets:   sockets,
		AuthToken: token,
		Logger:    logger,
	})
	return r, statuses, trigger, registry
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _, _, _ := setupRouter(t, "secret")
	rec := do(r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	r, _, _, _ := setupRouter(t, "")
	rec := do(r, http.MethodGet, "/api/sync/status", map[string]string{"X-User-ID": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Destinations []destinationStatus `json:"destinations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Destinations) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(body.Destinations))
	}
	d1, d2 := body.Destinations[0], body.Destinations[1]
	if !d1.InSync || d1.LastSyncedAt == nil || !d1.LastSyncedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected d1: %+v", d1)
	}
	if d2.InSync || d2.LastSyncedAt != nil {
		t.Errorf("unexpected d2: %+v", d2)
	}
}

func TestSyncStatusEmptyForOtherUser(t *testing.T) {
	r, _, _, _ := setupRouter(t, "")
	rec := do(r, http.MethodGet, "/api/sync/status", map[string]string{"X-User-ID": "u2"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"destinations":[]`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestSyncStatusStoreError(t *testing.T) {
	r, statuses, _, _ := setupRouter(t, "")
	statuses.err = errors.New("db down")
	rec := do(r, http.MethodGet, "/api/sync/status", map[string]string{"X-User-ID": "u1"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	r, _, trigger, _ := setupRouter(t, "secret")

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no token", map[string]string{"X-User-ID": "u1"}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"X-User-ID": "u1", "Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"no user", map[string]string{"Authorization": "Bearer secret"}, http.StatusUnauthorized},
		{"ok", map[string]string{"X-User-ID": "u1", "Authorization": "bearer secret"}, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(r, http.MethodPost, "/api/sync", tc.header)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if len(trigger.users) != 1 || trigger.users[0] != "u1" {
		t.Errorf("expected a single trigger for u1, got %v", trigger.users)
	}
}

func TestSocketSendsStatusOnConnect(t *testing.T) {
	r, _, _, registry := setupRouter(t, "secret")
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socket?userId=u1&token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// One ping plus one status per destination, in any order.
	seen := map[string]models.SyncProgress{}
	pings := 0
	for len(seen) < 2 || pings == 0 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var msg broadcast.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		switch msg.Event {
		case "ping":
			pings++
		case models.EventSyncStatus:
			var p models.SyncProgress
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				t.Fatalf("decode progress: %v", err)
			}
			seen[p.DestinationID] = p
		}
	}
	if seen["d1"].Status != models.StatusIdle || !seen["d1"].InSync {
		t.Errorf("unexpected d1 status %+v", seen["d1"])
	}
	if seen["d2"].InSync {
		t.Errorf("d2 should not be in sync")
	}
	if registry.Count("u1") != 1 {
		t.Errorf("expected one registered socket, got %d", registry.Count("u1"))
	}
}

func TestSocketRejectsUnauthenticated(t *testing.T) {
	r, _, _, _ := setupRouter(t, "secret")
	rec := do(r, http.MethodGet, "/api/socket?userId=u1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
