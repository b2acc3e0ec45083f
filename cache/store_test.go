package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMemory_AddIsAddIfAbsent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if !store.Add(ctx, "tokens", "user-1", "first", time.Minute) {
		t.Fatalf("expected first add to win")
	}
	if store.Add(ctx, "tokens", "user-1", "second", time.Minute) {
		t.Fatalf("second add must lose to the live entry")
	}

	value, found := store.Get(ctx, "tokens", "user-1")
	if !found || value != "first" {
		t.Fatalf("expected first value retained, got %q found=%v", value, found)
	}
}

func TestMemory_ExpiredEntryCanBeReplaced(t *testing.T) {
	now := time.Now()
	store := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if !store.Add(ctx, "tokens", "user-1", "stale", time.Minute) {
		t.Fatalf("seed add failed")
	}
	now = now.Add(2 * time.Minute)

	if _, found := store.Get(ctx, "tokens", "user-1"); found {
		t.Fatalf("expected expired entry to miss")
	}
	if !store.Add(ctx, "tokens", "user-1", "fresh", time.Minute) {
		t.Fatalf("expected add over expired entry to win")
	}
	value, found := store.Get(ctx, "tokens", "user-1")
	if !found || value != "fresh" {
		t.Fatalf("expected fresh value, got %q found=%v", value, found)
	}
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	now := time.Now()
	store := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	store.Add(ctx, "config", "flag", "on", 0)
	now = now.Add(365 * 24 * time.Hour)

	if value, found := store.Get(ctx, "config", "flag"); !found || value != "on" {
		t.Fatalf("zero ttl entry must persist, got %q found=%v", value, found)
	}
}

func TestMemory_RejectsOversizedAndEmptyKeys(t *testing.T) {
	store := New(WithMaxKeyBytes(32))
	ctx := context.Background()

	if store.Add(ctx, "ns", strings.Repeat("k", 64), "value", time.Minute) {
		t.Fatalf("oversized key must be rejected")
	}
	if _, found := store.Get(ctx, "ns", strings.Repeat("k", 64)); found {
		t.Fatalf("oversized key must never hit")
	}
	if store.Add(ctx, "ns", "", "value", time.Minute) {
		t.Fatalf("empty key must be rejected")
	}
	if store.MaxKeyBytes() != 32 {
		t.Fatalf("unexpected key budget %d", store.MaxKeyBytes())
	}
}

func TestMemory_NamespacesAreIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.Add(ctx, "tokens", "user-1", "token-value", time.Minute)
	store.Add(ctx, "keys", "user-1", "key-value", time.Minute)

	store.Delete(ctx, "tokens", "user-1")

	if _, found := store.Get(ctx, "tokens", "user-1"); found {
		t.Fatalf("deleted entry must miss")
	}
	if value, found := store.Get(ctx, "keys", "user-1"); !found || value != "key-value" {
		t.Fatalf("sibling namespace must be untouched, got %q found=%v", value, found)
	}
}

func TestMemory_PruneDropsOnlyExpiredEntries(t *testing.T) {
	now := time.Now()
	store := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	store.Add(ctx, "tokens", "short", "a", time.Minute)
	store.Add(ctx, "tokens", "long", "b", time.Hour)
	store.Add(ctx, "tokens", "forever", "c", 0)
	now = now.Add(10 * time.Minute)

	if removed := store.Prune(); removed != 1 {
		t.Fatalf("expected one pruned entry, got %d", removed)
	}
	if _, found := store.Get(ctx, "tokens", "long"); !found {
		t.Fatalf("live entry pruned")
	}
	if _, found := store.Get(ctx, "tokens", "forever"); !found {
		t.Fatalf("no-expiry entry pruned")
	}
}
