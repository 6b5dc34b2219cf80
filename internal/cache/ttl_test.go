package cache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c, err := New[string, int](8, time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := c.Get("a"); ok {
		t.Error("empty cache should miss")
	}

	c.Set("a", 1)
	got, ok := c.Get("a")
	if !ok || got != 1 {
		t.Errorf("expected hit with 1, got %d / %v", got, ok)
	}

	c.Set("a", 2)
	if got, _ := c.Get("a"); got != 2 {
		t.Errorf("Set should overwrite, got %d", got)
	}
}

func TestExpiration(t *testing.T) {
	c, _ := New[string, string](8, 20*time.Millisecond)

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on access, len=%d", c.Len())
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, _ := New[string, int](8, 0)
	c.Set("k", 7)
	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Error("ttl 0 should disable expiration")
	}
}

func TestLRUEviction(t *testing.T) {
	c, _ := New[int, int](2, time.Minute)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Get(1)    // make 1 most recently used
	c.Set(3, 3) // evicts 2

	if _, ok := c.Get(2); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("recently used entry should survive")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("newest entry should be present")
	}
}

func TestHitRate(t *testing.T) {
	c, _ := New[string, int](8, time.Minute)

	if c.HitRate() != 0 {
		t.Error("hit rate with no lookups should be 0")
	}

	c.Set("a", 1)
	c.Get("a")       // hit
	c.Get("missing") // miss

	if got := c.HitRate(); got != 0.5 {
		t.Errorf("expected hit rate 0.5, got %.2f", got)
	}
}

func TestPurge(t *testing.T) {
	c, _ := New[string, int](8, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("purge should empty the cache, len=%d", c.Len())
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := New[string, int](0, time.Minute); err == nil {
		t.Error("size 0 should be rejected")
	}
}
