package coordinator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(NewRedisStore(client), discardLogger()), mr
}

func TestStartSyncIsMonotonic(t *testing.T) {
	ctx := context.Background()
	coord, mr := newRedisCoordinator(t)

	first, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start first sync: %v", err)
	}
	second, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start second sync: %v", err)
	}
	if second.Generation <= first.Generation {
		t.Fatalf("expected increasing generations, got %d then %d", first.Generation, second.Generation)
	}

	current, err := coord.IsSyncCurrent(ctx, first)
	if err != nil {
		t.Fatalf("check first: %v", err)
	}
	if current {
		t.Fatalf("expected first generation to be stale once a newer one was issued")
	}
	current, err = coord.IsSyncCurrent(ctx, second)
	if err != nil {
		t.Fatalf("check second: %v", err)
	}
	if !current {
		t.Fatalf("expected newest generation to be current")
	}

	ttl := mr.TTL(generationKey("u1"))
	if ttl != GenerationTTL {
		t.Fatalf("expected ttl %s, got %s", GenerationTTL, ttl)
	}
}

func TestGenerationsAreScopedPerUser(t *testing.T) {
	ctx := context.Background()
	coord, _ := newRedisCoordinator(t)

	a, err := coord.StartSync(ctx, "a")
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := coord.StartSync(ctx, "b"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	current, err := coord.IsSyncCurrent(ctx, a)
	if err != nil {
		t.Fatalf("check a: %v", err)
	}
	if !current {
		t.Fatalf("expected another user's sync not to supersede user a")
	}
}

func TestIsSyncCurrentFalseWhenExpiredOrUnset(t *testing.T) {
	ctx := context.Background()
	coord, mr := newRedisCoordinator(t)

	current, err := coord.IsSyncCurrent(ctx, SyncContext{UserID: "ghost", Generation: 1})
	if err != nil {
		t.Fatalf("check unset: %v", err)
	}
	if current {
		t.Fatalf("expected unset generation not to be current")
	}

	sc, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	mr.FastForward(GenerationTTL + time.Second)
	current, err = coord.IsSyncCurrent(ctx, sc)
	if err != nil {
		t.Fatalf("check expired: %v", err)
	}
	if current {
		t.Fatalf("expected expired generation not to be current")
	}
}

func TestMemoryStoreMatchesRedisSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	coord := New(store, discardLogger())

	g1, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start g1: %v", err)
	}
	g2, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start g2: %v", err)
	}
	if g1.Generation != 1 || g2.Generation != 2 {
		t.Fatalf("expected generations 1 and 2, got %d and %d", g1.Generation, g2.Generation)
	}
	if ok, _ := coord.IsSyncCurrent(ctx, g1); ok {
		t.Fatalf("expected g1 to be stale")
	}
	if ok, _ := coord.IsSyncCurrent(ctx, g2); !ok {
		t.Fatalf("expected g2 to be current")
	}

	now = now.Add(GenerationTTL)
	if ok, _ := coord.IsSyncCurrent(ctx, g2); ok {
		t.Fatalf("expected g2 to expire after the ttl")
	}
	g3, err := coord.StartSync(ctx, "u1")
	if err != nil {
		t.Fatalf("start g3: %v", err)
	}
	if g3.Generation != 1 {
		t.Fatalf("expected counter to restart after expiry, got %d", g3.Generation)
	}
}
