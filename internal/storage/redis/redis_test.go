package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/avdeyev/refreshd/internal/models"
)

func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestPairCacheRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	cache := NewPairCache(client)
	ctx := context.Background()

	pair := models.IssuedPair{
		AccessToken:  "access-1",
		RefreshToken: "sel.ver",
		ExpiresIn:    900,
	}
	won, err := cache.PutPair(ctx, "sel-a", pair, time.Minute)
	if err != nil {
		t.Fatalf("put pair: %v", err)
	}
	if !won {
		t.Fatal("first write into an empty cache did not win")
	}

	got, err := cache.GetPair(ctx, "sel-a")
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if got == nil || *got != pair {
		t.Fatalf("got %+v, want %+v", got, pair)
	}
}

func TestPairCacheFirstWriteWins(t *testing.T) {
	client, _ := newTestClient(t)
	cache := NewPairCache(client)
	ctx := context.Background()

	winner := models.IssuedPair{AccessToken: "winner", RefreshToken: "w.r", ExpiresIn: 900}
	late := models.IssuedPair{AccessToken: "late", RefreshToken: "l.r", ExpiresIn: 900}

	won, err := cache.PutPair(ctx, "sel-a", winner, time.Minute)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if !won {
		t.Fatal("first write did not win")
	}
	won, err = cache.PutPair(ctx, "sel-a", late, time.Minute)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if won {
		t.Fatal("late write reported itself as the winner")
	}

	got, err := cache.GetPair(ctx, "sel-a")
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if got.AccessToken != "winner" {
		t.Fatalf("late writer overwrote the winner's pair: %+v", got)
	}
}

func TestPairCacheMissAndExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewPairCache(client)
	ctx := context.Background()

	got, err := cache.GetPair(ctx, "absent")
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if got != nil {
		t.Fatalf("cache miss returned %+v", got)
	}

	pair := models.IssuedPair{AccessToken: "a", RefreshToken: "r.v", ExpiresIn: 900}
	if _, err := cache.PutPair(ctx, "sel-a", pair, time.Minute); err != nil {
		t.Fatalf("put pair: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	got, err = cache.GetPair(ctx, "sel-a")
	if err != nil {
		t.Fatalf("get pair after expiry: %v", err)
	}
	if got != nil {
		t.Fatalf("pair outlived its TTL: %+v", got)
	}
}

func TestDenylistExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewTokenStorage(client)
	ctx := context.Background()

	if err := store.InvalidateToken(ctx, "jwt-abc", time.Minute); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	invalidated, err := store.IsTokenInvalidated(ctx, "jwt-abc")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !invalidated {
		t.Fatal("token not denylisted right after invalidation")
	}

	if invalidated, _ := store.IsTokenInvalidated(ctx, "other"); invalidated {
		t.Fatal("unrelated token reported as denylisted")
	}

	mr.FastForward(2 * time.Minute)
	if invalidated, _ := store.IsTokenInvalidated(ctx, "jwt-abc"); invalidated {
		t.Fatal("denylist entry outlived the token's own expiry")
	}
}
