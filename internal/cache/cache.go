// Package cache implements the thread-safe, byte-bounded LRU response
// cache described in spec.md §4.3: a map from raw request bytes to raw
// response bytes, bounded by total byte capacity, with O(1) get/put and
// LRU eviction.
package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// entry is a node in the doubly-linked recency list. Both key and value
// are stored on the node so eviction can remove the index entry without
// a reverse lookup.
type entry struct {
	key   string
	value []byte
	prev  *entry
	next  *entry
}

// Cache is a thread-safe, size-bounded LRU cache keyed by raw request
// bytes. A single mutex guards the whole structure: every operation is a
// handful of pointer splices and a map lookup, and Get must mutate
// recency, so a plain Mutex is used rather than a RWMutex (spec.md §4.3).
type Cache struct {
	mu       sync.Mutex
	index    map[string]*entry
	head     *entry // dummy head; head.next is most-recently-used
	tail     *entry // dummy tail; tail.prev is least-recently-used
	size     int64
	capacity int64

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	skips     prometheus.Counter
	bytes     prometheus.Gauge
}

// New creates an empty cache bounded at capacityBytes.
func New(capacityBytes int64) *Cache {
	head := &entry{}
	tail := &entry{}
	head.next = tail
	tail.prev = head

	c := &Cache{
		index:    make(map[string]*entry),
		head:     head,
		tail:     tail,
		capacity: capacityBytes,

		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_cache_hits_total",
			Help: "Total number of cache lookups that found a matching entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_cache_misses_total",
			Help: "Total number of cache lookups that found no matching entry.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_cache_evictions_total",
			Help: "Total number of entries evicted to make room for a put.",
		}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_cache_skips_total",
			Help: "Total number of puts rejected because the entry exceeds capacity.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdproxy_cache_bytes",
			Help: "Current total size in bytes of all cached key+value pairs.",
		}),
	}
	return c
}

// Register registers the cache's metrics with reg. Safe to call once per
// process; a cache constructed purely for tests need not call this.
func (c *Cache) Register(reg prometheus.Registerer) {
	reg.MustRegister(c.hits, c.misses, c.evictions, c.skips, c.bytes)
}

// Get looks up key. On a hit it moves the entry to the front of the
// recency list and returns its value and true. On a miss it returns
// (nil, false) without allocating.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[string(key)]
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.moveToFront(e)
	c.hits.Inc()
	return e.value, true
}

// Put inserts or overwrites key with value. If len(key)+len(value)
// exceeds the cache's capacity the call is a no-op (spec.md §4.3 step 1,
// error kind CacheSkip). Otherwise any existing entry for key is removed,
// entries are evicted from the tail until there is room, and the new
// entry is inserted at the front.
func (c *Cache) Put(key, value []byte) {
	size := int64(len(key)) + int64(len(value))
	if size > c.capacity {
		c.skips.Inc()
		return
	}

	k := string(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index[k]; ok {
		c.removeNode(old)
		c.size -= int64(len(old.key)) + int64(len(old.value))
		delete(c.index, k)
	}

	for c.size+size > c.capacity && c.tail.prev != c.head {
		victim := c.tail.prev
		c.removeNode(victim)
		delete(c.index, victim.key)
		c.size -= int64(len(victim.key)) + int64(len(victim.value))
		c.evictions.Inc()
	}

	e := &entry{key: k, value: value}
	c.index[k] = e
	c.addAfterHead(e)
	c.size += size
	c.bytes.Set(float64(c.size))
}

// Len returns the number of entries currently cached. Intended for tests
// and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Size returns the current total byte size of all cached entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// moveToFront relocates an existing node to the most-recently-used
// position. Must be called with c.mu held.
//
// Recency list convention: head.next is MRU, tail.prev is LRU — so the
// "front" the rest of this file refers to is adjacent to head, and
// eviction always removes head.next's opposite number, tail.prev.
func (c *Cache) moveToFront(e *entry) {
	c.removeNode(e)
	c.addAfterHead(e)
}

// addAfterHead inserts e immediately after the dummy head, making it the
// most-recently-used entry. Must be called with c.mu held.
func (c *Cache) addAfterHead(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

// removeNode splices e out of the recency list. Must be called with
// c.mu held.
func (c *Cache) removeNode(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}
