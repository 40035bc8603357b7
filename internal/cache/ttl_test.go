package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetPut(t *testing.T) {
	c := NewTTL[string](time.Minute, 10)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get on empty cache returned a value")
	}

	c.Put("k", "v")
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Fatalf("Get(k) = %q, %v", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestExpiry(t *testing.T) {
	c := NewTTL[int](5*time.Second, 10)

	base := time.Now()
	clock := base
	c.SetClock(func() time.Time { return clock })

	c.Put("k", 42)

	clock = base.Add(3 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before TTL")
	}

	clock = base.Add(6 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry survived past TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not collected, len=%d", c.Len())
	}
}

func TestBoundEvictsOldest(t *testing.T) {
	c := NewTTL[int](time.Hour, 3)

	base := time.Now()
	clock := base
	c.SetClock(func() time.Time { return clock })

	for i := 0; i < 4; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	// k0 was oldest and must be gone; the rest survive.
	if _, ok := c.Get("k0"); ok {
		t.Fatal("oldest entry not evicted")
	}
	for i := 1; i < 4; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d evicted unexpectedly", i)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestPurge(t *testing.T) {
	c := NewTTL[int](time.Hour, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("len after purge = %d", c.Len())
	}
}
