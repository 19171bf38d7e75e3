package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTripAndExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.SetJSON(ctx, "k", map[string]int{"pulse": 72}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got map[string]int
	hit, err := c.GetJSON(ctx, "k", &got)
	if err != nil || !hit || got["pulse"] != 72 {
		t.Fatalf("hit=%v err=%v got=%v", hit, err, got)
	}

	now = now.Add(2 * time.Minute)
	if hit, _ := c.GetJSON(ctx, "k", &got); hit {
		t.Error("entry should have expired")
	}
}

func TestMemoryCacheCorruptEntryIsMiss(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.SetJSON(ctx, "k", "a string", 0)

	var dst []int
	hit, err := c.GetJSON(ctx, "k", &dst)
	if err != nil || hit {
		t.Fatalf("hit=%v err=%v", hit, err)
	}
	if _, ok := c.items["k"]; ok {
		t.Error("corrupt entry should be evicted")
	}
}

func TestKeySkipsEmptyParts(t *testing.T) {
	if got := Key("livescribe", "", "reviews", "session", "abc"); got != "livescribe:reviews:session:abc" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("", "x"); got != "x" {
		t.Errorf("Key = %q", got)
	}
}
