// Package cache implements the bounded LRU response cache (C2): a
// fixed-capacity mapping of cache key to cached response, with TTL-based
// staleness, stale-first then tail eviction, and age reporting on hits.
//
// Ordering is kept in a container/list.List (grounded on the
// felipecampolina-FCReverseProxy lruCache), with the list's front the most
// recently touched entry and its back the least recently touched, a
// sentinel-bounded doubly-linked list ordered purely by recency of write.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/WhileEndless/go-httpproxy/pkg/buffer"
	"github.com/WhileEndless/go-httpproxy/pkg/errors"
)

// Clock abstracts wall-clock seconds so tests can control aging without
// sleeping.
type Clock func() time.Time

// entry is one cache slot, stored as the payload of a list.Element.
type entry struct {
	key       string
	value     *buffer.Buffer
	valueLen  int64
	createdAt time.Time
	maxAge    int
}

func (e *entry) age(now time.Time) int {
	return int(now.Sub(e.createdAt) / time.Second)
}

func (e *entry) stale(now time.Time) bool {
	return e.age(now) >= e.maxAge
}

// Stats tracks cache activity, exported for pkg/metrics to sample.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Inserts        uint64
	Updates        uint64
	StaleRemovals  uint64
	TailEvictions  uint64
}

// Cache is a fixed-capacity LRU with TTL-based staleness.
//
// Cache is safe for concurrent use: in the dispatcher's steady state it is
// only ever touched by the single event-loop goroutine, but pkg/janitor's
// cron sweep and pkg/metrics' stats sampling run on separate goroutines, so
// every operation is guarded by mu.
type Cache struct {
	mu          sync.Mutex
	capacity    int
	bodyMemCap  int64
	list        *list.List
	items       map[string]*list.Element
	clock       Clock
	initialized bool
	stats       Stats
}

// New constructs a Cache. Init must still be called before use and fails on
// a repeat call — New alone only allocates the zero-value shell.
func New() *Cache {
	return &Cache{clock: time.Now}
}

// Init sets the cache's capacity. It may be called exactly once; subsequent
// calls fail and leave the cache untouched.
func (c *Cache) Init(capacity int, bodyMemCap int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if capacity <= 0 {
		return errors.NewCacheError("init", "capacity must be > 0")
	}
	if c.initialized {
		return errors.NewCacheError("init", "cache already initialized")
	}

	c.capacity = capacity
	c.bodyMemCap = bodyMemCap
	c.list = list.New()
	c.items = make(map[string]*list.Element, capacity)
	c.initialized = true
	return nil
}

// SetClock overrides the cache's time source, for deterministic tests.
func (c *Cache) SetClock(clock Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Put inserts or overwrites the entry for key, promoting it to the front of
// the recency list. If key already exists, its value/createdAt/maxAge are
// overwritten and it is promoted. Otherwise, if the cache is at capacity,
// every stale entry is purged first; if none were stale, exactly one tail
// entry is evicted. The new entry is then prepended.
//
// Put returns an error only on invalid input or allocation failure; the
// cache structure is left valid either way.
func (c *Cache) Put(key string, value []byte, maxAge int) error {
	if key == "" {
		return errors.NewCacheError("put", "key must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if err := e.value.Reset(); err != nil {
			return err
		}
		if _, err := e.value.Write(value); err != nil {
			return err
		}
		e.valueLen = int64(len(value))
		e.createdAt = now
		e.maxAge = maxAge
		c.list.MoveToFront(el)
		c.stats.Updates++
		return nil
	}

	if c.list.Len() >= c.capacity {
		removed := c.purgeStaleLocked(now)
		if removed == 0 {
			c.evictTailLocked()
		}
	}

	buf := buffer.New(c.bodyMemCap)
	if _, err := buf.Write(value); err != nil {
		return err
	}

	e := &entry{
		key:       key,
		value:     buf,
		valueLen:  int64(len(value)),
		createdAt: now,
		maxAge:    maxAge,
	}
	el := c.list.PushFront(e)
	c.items[key] = el
	c.stats.Inserts++
	return nil
}

// Get locates key. If found and stale, it is removed and Get reports a miss.
// If found and fresh, Get returns a copy of the stored value and its current
// age in seconds. Get never promotes recency — this cache's documented
// policy is recency-on-write only (see DESIGN.md Open Questions).
func (c *Cache) Get(key string) (value []byte, age int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		c.stats.Misses++
		return nil, 0, false
	}

	e := el.Value.(*entry)
	now := c.clock()

	if e.stale(now) {
		c.removeLocked(el)
		c.stats.StaleRemovals++
		c.stats.Misses++
		return nil, 0, false
	}

	data, err := e.value.ReadAll()
	if err != nil {
		c.stats.Misses++
		return nil, 0, false
	}

	c.stats.Hits++
	return data, e.age(now), true
}

// Clear frees every entry and resets the index.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.list.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).value.Close()
	}
	c.list = list.New()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Stats returns a snapshot of cache activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// PurgeStale removes every currently stale entry and reports how many were
// removed. It is exported for pkg/janitor's supplemental periodic sweep; it
// uses the exact same routine Put relies on for pressure-triggered purging.
func (c *Cache) PurgeStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeStaleLocked(c.clock())
}

// purgeStaleLocked visits every entry — no short-circuit — removing any
// that are stale as of now, and returns how many were removed.
func (c *Cache) purgeStaleLocked(now time.Time) int {
	removed := 0
	for el := c.list.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).stale(now) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	if removed > 0 {
		c.stats.StaleRemovals += uint64(removed)
	}
	return removed
}

// evictTailLocked removes the single least-recently-touched entry.
func (c *Cache) evictTailLocked() {
	tail := c.list.Back()
	if tail == nil {
		return
	}
	c.removeLocked(tail)
	c.stats.TailEvictions++
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	e.value.Close()
	delete(c.items, e.key)
	c.list.Remove(el)
}
