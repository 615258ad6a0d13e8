package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSocket struct {
	userID string

	mu   sync.Mutex
	open bool
	sent [][]byte
}

func newFakeSocket(userID string) *fakeSocket {
	return &fakeSocket{userID: userID, open: true}
}

func (f *fakeSocket) UserID() string { return f.userID }

func (f *fakeSocket) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) setOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = open
}

func (f *fakeSocket) messages() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Outbound
	for _, raw := range f.sent {
		var msg Outbound
		if err := json.Unmarshal(raw, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeSocket) events(name string) []Outbound {
	var out []Outbound
	for _, msg := range f.messages() {
		if msg.Event == name {
			out = append(out, msg)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a1, a2, b := newFakeSocket("a"), newFakeSocket("a"), newFakeSocket("b")
	r.Add("a", a1)
	r.Add("a", a2)
	r.Add("b", b)

	if got := r.Count("a"); got != 2 {
		t.Errorf("expected 2 sockets for a, got %d", got)
	}
	r.Remove("a", a1)
	r.Remove("a", a1)
	if got := r.Sockets("a"); len(got) != 1 || got[0] != a2 {
		t.Errorf("unexpected sockets for a: %v", got)
	}
	r.Remove("a", a2)
	if got := r.Count("a"); got != 0 {
		t.Errorf("expected a to be dropped, got %d", got)
	}
	if got := r.Count("b"); got != 1 {
		t.Errorf("expected b untouched, got %d", got)
	}
}

func TestServiceDeliversOnlyToAddressedUser(t *testing.T) {
	registry := NewRegistry()
	svc := NewService(NewMemoryPubSub(), registry, testLogger())
	if err := svc.StartSubscriber(t.Context()); err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}

	a, b := newFakeSocket("userA"), newFakeSocket("userB")
	registry.Add("userA", a)
	registry.Add("userB", b)

	if err := svc.Emit(t.Context(), "userA", "sync:status", map[string]any{"inSync": true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got := a.events("sync:status")
	if len(got) != 1 {
		t.Fatalf("expected userA to receive one message, got %d", len(got))
	}
	var data map[string]any
	if err := json.Unmarshal(got[0].Data, &data); err != nil || data["inSync"] != true {
		t.Errorf("unexpected data %s (err %v)", got[0].Data, err)
	}
	if len(b.messages()) != 0 {
		t.Errorf("userB must not receive userA's messages, got %d", len(b.messages()))
	}
}

func TestStartSubscriberOnce(t *testing.T) {
	registry := NewRegistry()
	svc := NewService(NewMemoryPubSub(), registry, testLogger())
	for range 3 {
		if err := svc.StartSubscriber(t.Context()); err != nil {
			t.Fatalf("StartSubscriber: %v", err)
		}
	}
	s := newFakeSocket("u")
	registry.Add("u", s)
	if err := svc.Emit(t.Context(), "u", "ping", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := len(s.messages()); got != 1 {
		t.Errorf("expected a single delivery, got %d", got)
	}
}

func TestServiceDropsInvalidMessages(t *testing.T) {
	ps := NewMemoryPubSub()
	registry := NewRegistry()
	svc := NewService(ps, registry, testLogger())
	if err := svc.StartSubscriber(t.Context()); err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}
	s := newFakeSocket("u")
	registry.Add("u", s)

	for _, payload := range []string{
		`not json`,
		`{"event":"sync:status"}`,
		`{"userId":"u"}`,
		`{"userId":"","event":"x"}`,
		`{"userId":5,"event":"x"}`,
	} {
		if err := ps.Publish(t.Context(), Channel, []byte(payload)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := len(s.messages()); got != 0 {
		t.Errorf("expected invalid messages to be dropped, got %d deliveries", got)
	}
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	// Two processes sharing one Redis.
	regA, regB := NewRegistry(), NewRegistry()
	svcA := NewService(NewRedisPubSub(newClient(), testLogger()), regA, testLogger())
	svcB := NewService(NewRedisPubSub(newClient(), testLogger()), regB, testLogger())
	for _, svc := range []*Service{svcA, svcB} {
		if err := svc.StartSubscriber(t.Context()); err != nil {
			t.Fatalf("StartSubscriber: %v", err)
		}
	}

	onB := newFakeSocket("u1")
	regB.Add("u1", onB)
	other := newFakeSocket("u2")
	regA.Add("u2", other)

	if err := svcA.Emit(t.Context(), "u1", "sync:status", map[string]string{"stage": "idle"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, func() bool { return len(onB.events("sync:status")) == 1 })
	if len(other.messages()) != 0 {
		t.Errorf("u2 must not receive u1's message")
	}
}

func TestHandlerPingsAndPrunesClosedSockets(t *testing.T) {
	registry := NewRegistry()
	h := NewHandler(registry, testLogger(), nil)
	h.PingInterval = 10 * time.Millisecond

	s := newFakeSocket("u")
	h.Open(t.Context(), s)
	defer h.Close(s)

	waitFor(t, func() bool { return len(s.events("ping")) >= 2 })
	if registry.Count("u") != 1 {
		t.Fatalf("expected socket to be registered")
	}

	s.setOpen(false)
	waitFor(t, func() bool { return registry.Count("u") == 0 })
}

func TestHandlerOnConnect(t *testing.T) {
	registry := NewRegistry()
	var gotUser string
	h := NewHandler(registry, testLogger(), func(ctx context.Context, userID string, socket Socket) error {
		gotUser = userID
		return socket.Send(ctx, []byte(`{"event":"sync:status","data":{"inSync":true}}`))
	})
	s := newFakeSocket("u")
	h.Open(t.Context(), s)
	defer h.Close(s)

	if gotUser != "u" {
		t.Errorf("expected OnConnect for u, got %q", gotUser)
	}
	if len(s.events("sync:status")) != 1 {
		t.Errorf("expected the OnConnect message to be sent")
	}
}

func TestHandlerCloseUnregisters(t *testing.T) {
	registry := NewRegistry()
	h := NewHandler(registry, testLogger(), nil)
	s := newFakeSocket("u")
	h.Open(t.Context(), s)
	h.Close(s)
	if registry.Count("u") != 0 {
		t.Errorf("expected socket removed on close")
	}
	// Messages after close are harmless.
	h.Message(s, []byte(`{"event":"pong"}`))
	h.Message(s, []byte(`garbage`))
}

func TestServeWebsocket(t *testing.T) {
	registry := NewRegistry()
	svc := NewService(NewMemoryPubSub(), registry, testLogger())
	if err := svc.StartSubscriber(t.Context()); err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}
	h := NewHandler(registry, testLogger(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWebsocket(w, r, r.URL.Query().Get("userId"), nil)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() Outbound {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var msg Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return msg
	}

	if msg := read(); msg.Event != "ping" {
		t.Fatalf("expected an immediate ping, got %q", msg.Event)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"pong"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, func() bool { return registry.Count("u1") == 1 })
	if err := svc.Emit(ctx, "u1", "sync:status", map[string]int{"progress": 50}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if msg := read(); msg.Event != "sync:status" || string(msg.Data) != `{"progress":50}` {
		t.Errorf("unexpected message %q %s", msg.Event, msg.Data)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return registry.Count("u1") == 0 })
}
