package tabsync

import (
	"fmt"
	"testing"
	"time"
)

func newTestDedup(t *testing.T, opts DedupOptions) (*DeduplicationCache, *VirtualClock) {
	t.Helper()
	clock := NewVirtualClock(time.Unix(0, 0))
	opts.Clock = clock
	c := NewDeduplicationCache(opts)
	t.Cleanup(c.Close)
	return c, clock
}

func TestDedupDropsDuplicates(t *testing.T) {
	c, _ := newTestDedup(t, DedupOptions{})

	if !c.ShouldProcess("tab-1@1") {
		t.Fatal("first sighting rejected")
	}
	if c.ShouldProcess("tab-1@1") {
		t.Fatal("duplicate accepted")
	}
	if !c.ShouldProcess("tab-1@2") {
		t.Fatal("distinct update rejected")
	}
}

func TestDedupEmptyUpdateID(t *testing.T) {
	c, _ := newTestDedup(t, DedupOptions{})
	if c.ShouldProcess("") {
		t.Fatal("empty update id accepted")
	}
}

func TestDedupAgeExpiry(t *testing.T) {
	c, clock := newTestDedup(t, DedupOptions{MaxAge: 5 * time.Second, SweepInterval: time.Hour})

	c.ShouldProcess("tab-1@1")
	clock.Advance(4 * time.Second)
	if c.ShouldProcess("tab-1@1") {
		t.Fatal("duplicate accepted inside the retention window")
	}
	clock.Advance(2 * time.Second)
	// 6s since first sighting: aged out, treated as unseen again.
	if !c.ShouldProcess("tab-1@1") {
		t.Fatal("expired entry still treated as duplicate")
	}
}

func TestDedupSweepEvictsExpired(t *testing.T) {
	c, clock := newTestDedup(t, DedupOptions{MaxAge: 5 * time.Second, SweepInterval: 5 * time.Second})

	for i := 0; i < 10; i++ {
		c.ShouldProcess(fmt.Sprintf("tab-%d@1", i))
	}
	if got := c.Len(); got != 10 {
		t.Fatalf("len = %d, want 10", got)
	}
	clock.Advance(6 * time.Second)
	if got := c.Len(); got != 0 {
		t.Fatalf("len = %d after sweep, want 0", got)
	}
}

func TestDedupBoundedUnderFlood(t *testing.T) {
	const maxEntries = 100
	c, _ := newTestDedup(t, DedupOptions{MaxEntries: maxEntries, MaxAge: time.Hour, SweepInterval: time.Hour})

	for i := 0; i < maxEntries+50; i++ {
		c.ShouldProcess(fmt.Sprintf("tab-%d@1", i))
	}
	if got := c.Len(); got > maxEntries {
		t.Fatalf("len = %d, exceeds bound %d", got, maxEntries)
	}
	// Every flooded id was still admitted exactly once.
	if c.ShouldProcess(fmt.Sprintf("tab-%d@1", maxEntries+49)) {
		t.Fatal("freshly inserted entry not resident")
	}
}

func TestDedupEvictsOldestFirst(t *testing.T) {
	c, _ := newTestDedup(t, DedupOptions{MaxEntries: 10, MaxAge: time.Hour, SweepInterval: time.Hour})

	for i := 0; i < 10; i++ {
		c.ShouldProcess(fmt.Sprintf("tab-%d@1", i))
	}
	// Touch tab-0 so it becomes most recently seen.
	c.ShouldProcess("tab-0@1")
	// Overflow: eviction removes least recently seen entries.
	c.ShouldProcess("tab-new@1")

	if c.ShouldProcess("tab-0@1") {
		t.Fatal("recently touched entry was evicted")
	}
	if !c.ShouldProcess("tab-1@1") {
		t.Fatal("least recently seen entry survived eviction")
	}
}
