package cache

import (
	"context"
	"testing"
	"time"
)

func TestHashIsDeterministicForIdenticalNormalizedInput(t *testing.T) {
	a := Hash("smart_note", "  My Title  ", "body text")
	b := Hash("smart_note", "my title", "body text")
	if a != b {
		t.Fatalf("normalized-equivalent inputs must hash identically: %x vs %x", a, b)
	}
}

func TestHashDiffersOnContentChange(t *testing.T) {
	a := Hash("smart_note", "title", "body one")
	b := Hash("smart_note", "title", "body two")
	if a == b {
		t.Fatal("different bodies must hash differently")
	}
}

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	store := NewMemoryStore(10, time.Hour)
	ctx := context.Background()
	hash := Hash("smart_note", "t", "b")

	entry := CacheEntry{Hash: hash, Kind: "smart_note", Result: "cached result", CreatedAt: time.Now()}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := store.Get(ctx, hash)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Result != "cached result" {
		t.Fatalf("got %v, want cached result", got.Result)
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsedOnOverflow(t *testing.T) {
	store := NewMemoryStore(2, time.Hour)
	ctx := context.Background()

	h1, h2, h3 := Hash("k", "a", "1"), Hash("k", "b", "2"), Hash("k", "c", "3")
	store.Put(ctx, CacheEntry{Hash: h1, CreatedAt: time.Now()})
	store.Put(ctx, CacheEntry{Hash: h2, CreatedAt: time.Now()})

	store.Get(ctx, h1)

	store.Put(ctx, CacheEntry{Hash: h3, CreatedAt: time.Now()})

	if _, ok := store.Get(ctx, h2); ok {
		t.Fatal("h2 should have been evicted as least recently used")
	}
	if _, ok := store.Get(ctx, h1); !ok {
		t.Fatal("h1 was accessed recently and should survive eviction")
	}
	if _, ok := store.Get(ctx, h3); !ok {
		t.Fatal("h3 was just inserted and should be present")
	}
}

func TestMemoryStoreExpiresAgedEntries(t *testing.T) {
	store := NewMemoryStore(10, 10*time.Millisecond)
	ctx := context.Background()
	hash := Hash("k", "a", "1")

	store.Put(ctx, CacheEntry{Hash: hash, CreatedAt: time.Now()})
	time.Sleep(20 * time.Millisecond)

	if _, ok := store.Get(ctx, hash); ok {
		t.Fatal("expected entry to have expired")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should have been removed from the store, len=%d", store.Len())
	}
}
