package tabsync

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultDedupMaxEntries    = 1000
	defaultDedupMaxAge        = 5 * time.Second
	defaultDedupSweepInterval = 5 * time.Second
	// Overflow evicts down to this share of capacity so a burst does not
	// thrash the cache one entry at a time.
	dedupEvictTargetRatio = 0.9
)

type DedupOptions struct {
	MaxEntries    int
	MaxAge        time.Duration
	SweepInterval time.Duration
	Clock         Clock
}

type dedupEntry struct {
	updateID  string
	appliedAt time.Time
}

// DeduplicationCache is a bounded set of recently applied update ids.
// Entries expire after MaxAge or on overflow of MaxEntries, whichever
// comes first; overflow triggers immediate LRU eviction and a periodic
// sweep backstops pure age-based expiry.
type DeduplicationCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently seen

	maxEntries int
	maxAge     time.Duration
	clock      Clock

	sweepTimer Timer
	interval   time.Duration
	closed     bool
	closeOnce  sync.Once
}

func NewDeduplicationCache(opts DedupOptions) *DeduplicationCache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultDedupMaxAge
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultDedupSweepInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	c := &DeduplicationCache{
		entries:    map[string]*list.Element{},
		order:      list.New(),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		clock:      clock,
		interval:   interval,
	}
	c.scheduleSweep()
	return c
}

// ShouldProcess reports whether the update has not been seen within the
// retention window, and marks it seen.
func (c *DeduplicationCache) ShouldProcess(updateID string) bool {
	if updateID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if elem, ok := c.entries[updateID]; ok {
		entry := elem.Value.(*dedupEntry)
		if now.Sub(entry.appliedAt) < c.maxAge {
			c.order.MoveToFront(elem)
			return false
		}
		// Aged out but not yet swept: treat as unseen.
		entry.appliedAt = now
		c.order.MoveToFront(elem)
		return true
	}
	elem := c.order.PushFront(&dedupEntry{updateID: updateID, appliedAt: now})
	c.entries[updateID] = elem
	if len(c.entries) > c.maxEntries {
		c.evictLRULocked()
	}
	return true
}

// Len reports resident entries.
func (c *DeduplicationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DeduplicationCache) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.sweepTimer != nil {
			c.sweepTimer.Stop()
		}
		c.mu.Unlock()
	})
}

func (c *DeduplicationCache) evictLRULocked() {
	target := int(float64(c.maxEntries) * dedupEvictTargetRatio)
	for len(c.entries) > target {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*dedupEntry)
		c.order.Remove(back)
		delete(c.entries, entry.updateID)
	}
}

func (c *DeduplicationCache) scheduleSweep() {
	c.sweepTimer = c.clock.AfterFunc(c.interval, func() {
		c.sweep()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.mu.Lock()
			c.scheduleSweep()
			c.mu.Unlock()
		}
	})
}

func (c *DeduplicationCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for elem := c.order.Back(); elem != nil; {
		entry := elem.Value.(*dedupEntry)
		prev := elem.Prev()
		if now.Sub(entry.appliedAt) >= c.maxAge {
			c.order.Remove(elem)
			delete(c.entries, entry.updateID)
		}
		elem = prev
	}
}
