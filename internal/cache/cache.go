// Package cache provides the bounded in-memory response cache backing the gateway.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the cache behavior.
type Config struct {
	// Capacity is the maximum number of entries (default: 100). On insert
	// beyond capacity the least-recently-used entry is evicted first.
	Capacity int
	// TTL is the time-to-live from insertion (default: 1 hour). Age counts
	// from insertion time and is never refreshed by access.
	TTL time.Duration
	// CleanupInterval is how often the janitor sweeps expired entries
	// (default: 1 minute). Expired entries are also purged lazily on lookup.
	CleanupInterval time.Duration
	// Metrics receives cache events. Optional.
	Metrics MetricsSink
}

// MetricsSink receives cache events for external instrumentation.
type MetricsSink interface {
	CacheHit()
	CacheMiss()
	CacheEviction()
	CacheExpiration()
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        100,
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
	}
}

// entry is a cached response body with its insertion deadline.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
}

// Cache is a single-process, in-memory key/value store bounded by entry
// count (strict LRU eviction) and entry age (TTL from insertion). All
// operations are serialized by an internal mutex; there is no persistence
// across restarts and no cross-process sharing. Operations cannot fail:
// a lookup either returns a value copy or reports the key absent.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	metrics  MetricsSink

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	janitor *time.Ticker
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a cache from the given configuration.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	c := &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		metrics:  cfg.Metrics,
		janitor:  time.NewTicker(cfg.CleanupInterval),
		stopCh:   make(chan struct{}),
	}

	go c.janitorLoop()

	return c
}

// Get returns a copy of the value for key, refreshing its recency.
// Expired entries are treated as absent and removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMiss()
		}
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.expirations.Add(1)
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheExpiration()
			c.metrics.CacheMiss()
		}
		return nil, false
	}

	c.order.MoveToFront(el)
	value := append([]byte(nil), e.value...)
	c.mu.Unlock()

	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHit()
	}
	return value, true
}

// Has reports whether key holds an unexpired entry, without touching
// recency or the hit/miss counters. Expirations it observes are counted
// like Get's.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if time.Now().After(el.Value.(*entry).expiresAt) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.expirations.Add(1)
		if c.metrics != nil {
			c.metrics.CacheExpiration()
		}
		return false
	}
	c.mu.Unlock()
	return true
}

// Set stores a copy of value under key. An existing entry for the same key
// is overwritten in place; otherwise the least-recently-used entry is
// evicted first if the cache is at capacity.
func (c *Cache) Set(key string, value []byte) {
	stored := append([]byte(nil), value...)
	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = stored
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	evicted := false
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			evicted = true
		}
	}

	el := c.order.PushFront(&entry{key: key, value: stored, expiresAt: expiresAt})
	c.entries[key] = el
	c.mu.Unlock()

	if evicted {
		c.evictions.Add(1)
		if c.metrics != nil {
			c.metrics.CacheEviction()
		}
	}
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Purge removes all entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return n
}

// Len returns the current number of entries, including any expired ones
// not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.Len(),
	}
}

// Close stops the janitor. The cache remains usable afterwards.
func (c *Cache) Close() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.janitor.Stop()
	})
}

// removeLocked unlinks an element; callers hold c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
}

// janitorLoop periodically sweeps expired entries.
func (c *Cache) janitorLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.janitor.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	now := time.Now()
	expired := 0

	c.mu.Lock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			expired++
		}
		el = prev
	}
	c.mu.Unlock()

	if expired > 0 {
		c.expirations.Add(uint64(expired))
		if c.metrics != nil {
			for i := 0; i < expired; i++ {
				c.metrics.CacheExpiration()
			}
		}
	}
}
