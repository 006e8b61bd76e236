// ABOUTME: Thread-safe TTL cache for deduplicating platform updates.
// ABOUTME: Drops replayed webhook deliveries and long-poll updates before routing.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// seenUpdate stores the arrival time and order-list element for a cached key.
type seenUpdate struct {
	at      time.Time
	element *list.Element
}

// Cache tracks recently seen platform update keys (Telegram update_id, Slack
// envelope_id, webhook delivery ids) so a replayed update is routed at most
// once. Size-bounded with oldest-first eviction; entries expire after the TTL.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenUpdate
	order   *list.List // keys in arrival order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*seenUpdate),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Seen atomically checks whether the key was already recorded and records it
// if not. Returns true for a duplicate (caller should drop the update),
// false for a first sighting.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.at) < c.ttl {
		// A live duplicate refreshes recency so capacity eviction
		// removes the least recently seen key, not the oldest insert.
		c.recordLocked(key)
		return true
	}

	c.recordLocked(key)
	return false
}

// Len reports the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// recordLocked marks a key as seen. Must be called with mu held.
func (c *Cache) recordLocked(key string) {
	now := time.Now()

	if entry, ok := c.seen[key]; ok {
		entry.at = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &seenUpdate{at: now, element: elem}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanupLoop periodically removes expired entries until Close.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire removes all entries older than the TTL.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.at) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
