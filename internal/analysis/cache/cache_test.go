package cache_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"fable/internal/analysis/cache"
)

func newCache(t *testing.T, ttl time.Duration) *cache.Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analysis_cache.json")
	return cache.New(path, ttl, nil)
}

func TestStoreAndLookup(t *testing.T) {
	c := newCache(t, time.Hour)
	payload := json.RawMessage(`{"speaker":"Mira"}`)

	key := cache.Key("\"Hello,\" said Mira.", []string{"Mira"})
	if err := c.Store(key, payload); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestKeyDependsOnCharacterSnapshot(t *testing.T) {
	a := cache.Key("same text", []string{"Mira"})
	b := cache.Key("same text", []string{"Mira", "Bob"})
	if a == b {
		t.Fatal("different character snapshots must produce different keys")
	}
	// Snapshot order must not matter.
	c := cache.Key("same text", []string{"Bob", "Mira"})
	if b != c {
		t.Fatal("key must be independent of snapshot ordering")
	}
}

func TestKeyNormalizesWhitespace(t *testing.T) {
	a := cache.Key("hello   world", nil)
	b := cache.Key("hello\nworld", nil)
	if a != b {
		t.Fatal("whitespace differences must not change the key")
	}
}

func TestExpiredEntryEvictedOnLookup(t *testing.T) {
	c := newCache(t, time.Nanosecond)
	key := cache.Key("text", nil)
	if err := c.Store(key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Lookup(key); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Count() != 0 {
		t.Fatalf("expected lazy eviction, count=%d", c.Count())
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis_cache.json")
	first := cache.New(path, time.Hour, nil)
	key := cache.Key("text", []string{"Mira"})
	if err := first.Store(key, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	second := cache.New(path, time.Hour, nil)
	got, ok := second.Lookup(key)
	if !ok {
		t.Fatal("expected hit after reload")
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestEmptyPathDisablesCache(t *testing.T) {
	c := cache.New("", time.Hour, nil)
	if err := c.Store("key", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Store on disabled cache should be a no-op, got %v", err)
	}
	if _, ok := c.Lookup("key"); ok {
		t.Fatal("disabled cache must always miss")
	}
}
