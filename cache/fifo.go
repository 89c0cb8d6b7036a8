package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type fifoEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// FIFO is a count-bounded in-memory cache that evicts the oldest inserted
// entry when full. Reads do not refresh position and updating a key keeps
// its original insertion slot, so eviction order is pure arrival order.
// Cheaper bookkeeping than LRU for short-lived memoization where recency
// carries no signal.
type FIFO struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Compile-time check that FIFO satisfies Cache.
var _ Cache = (*FIFO)(nil)

// NewFIFO creates a FIFO cache bounded to capacity entries. A non-positive
// capacity falls back to DefaultMaxEntries.
func NewFIFO(capacity int) *FIFO {
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	return &FIFO{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get retrieves a value. Position is not refreshed.
func (c *FIFO) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*fifoEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.value, true
}

// Set stores a value. TTL <= 0 stores nothing. Updating an existing key
// keeps its insertion position. A full cache evicts its oldest inserted
// entry first.
func (c *FIFO) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*fifoEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	elem := c.order.PushFront(&fifoEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.entries[key] = elem

	if c.order.Len() > c.capacity {
		c.evictOldest()
	}

	return nil
}

// Delete removes a value. Idempotent.
func (c *FIFO) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Clear removes every entry. Counters keep their lifetime values.
func (c *FIFO) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns a snapshot of the cache.
func (c *FIFO) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     c.order.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// evictOldest removes the oldest inserted entry. Caller holds the lock.
func (c *FIFO) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions++
}

// removeElement unlinks an entry. Caller holds the lock.
func (c *FIFO) removeElement(elem *list.Element) {
	entry := elem.Value.(*fifoEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
}
