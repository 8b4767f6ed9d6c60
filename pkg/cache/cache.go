package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// EntryOverhead is the fixed per-entry cost added to an entry's weight
	EntryOverhead = 64

	// SampleSize is how many least recent entries the frequency policy compares
	SampleSize = 5

	// AgingFactor times MaxEntries is the number of hits after which the
	// frequency policy halves every counter
	AgingFactor = 10
)

// EvictReason says why an entry left the cache
type EvictReason string

const (
	// ReasonCapacity means the entry was evicted to satisfy a bound
	ReasonCapacity EvictReason = "capacity"

	// ReasonExpired means the entry outlived the TTL
	ReasonExpired EvictReason = "expired"

	// ReasonInvalidated means the entry was removed by Invalidate or Clear
	ReasonInvalidated EvictReason = "invalidated"
)

// Options configures a Cache
type Options struct {
	// TTL is measured from insertion. Zero disables expiry.
	TTL time.Duration

	// MaxEntries bounds the entry count for PolicyLRU and PolicyFrequency. Zero is unbounded.
	MaxEntries int

	// MaxWeight bounds the summed entry weight for PolicyWeight. Zero is unbounded.
	MaxWeight int64

	Policy Policy

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnEvict is called after an entry is removed, outside the cache lock
	OnEvict func(key string, reason EvictReason)
}

// entry is a cached document. value is never mutated after insertion.
type entry struct {
	key        string
	value      []byte
	insertedAt time.Time
	accessedAt time.Time
	freq       uint32
	weight     int64
}

type eviction struct {
	key    string
	reason EvictReason
}

// Cache is a bounded, TTL-expiring key to bytes map. All methods are safe for
// concurrent use. The lock is held only for in-memory bookkeeping.
type Cache struct {
	opts     Options
	behavior policyBehavior

	mu sync.Mutex

	// lru orders entries by last access, most recent at the front
	lru *list.List

	// entries maps keys to list elements
	entries map[string]*list.Element

	weight         int64
	hitsSinceAging int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Policy      Policy
	Entries     int
	MaxEntries  int
	Weight      int64
	MaxWeight   int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// EntryWeight returns the weight charged for storing value under key
func EntryWeight(key string, value []byte) int64 {
	return int64(len(key)) + int64(len(value)) + EntryOverhead
}

// New creates a cache. An unknown policy falls back to PolicyLRU.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	behavior, ok := policies[opts.Policy]
	if !ok {
		opts.Policy = PolicyLRU
		behavior = policies[PolicyLRU]
	}

	return &Cache{
		opts:     opts,
		behavior: behavior,
		lru:      list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the value for key. An expired entry is removed and reported absent.
// The returned slice must not be modified.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	e := elem.Value.(*entry)
	now := c.opts.Now()
	if c.expired(e, now) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		c.mu.Unlock()
		c.notify([]eviction{{key: key, reason: ReasonExpired}})
		return nil, false
	}

	e.accessedAt = now
	c.lru.MoveToFront(elem)
	c.behavior.onHit(c, e)
	c.hits++

	value := e.value
	c.mu.Unlock()
	return value, true
}

// Put stores value under key, replacing any previous entry and resetting its
// TTL, then evicts until the policy's bound holds. value must not be modified
// after the call.
func (c *Cache) Put(key string, value []byte) {
	c.mu.Lock()

	now := c.opts.Now()
	weight := EntryWeight(key, value)

	elem, ok := c.entries[key]
	if ok {
		e := elem.Value.(*entry)
		c.weight += weight - e.weight
		e.value = value
		e.weight = weight
		e.insertedAt = now
		e.accessedAt = now
		c.lru.MoveToFront(elem)
	} else {
		elem = c.lru.PushFront(&entry{
			key:        key,
			value:      value,
			insertedAt: now,
			accessedAt: now,
			weight:     weight,
		})
		c.entries[key] = elem
		c.weight += weight
	}

	evicted := c.enforceLocked(elem, now)
	c.mu.Unlock()
	c.notify(evicted)
}

// enforceLocked evicts until the bound holds. Expired entries go first.
func (c *Cache) enforceLocked(fresh *list.Element, now time.Time) []eviction {
	if !c.behavior.overBound(c) {
		return nil
	}

	evicted := c.pruneLocked(now)
	for c.behavior.overBound(c) {
		victim := c.behavior.victim(c, fresh)
		if victim == nil {
			break
		}
		key := victim.Value.(*entry).key
		c.removeElement(victim)
		c.evictions++
		evicted = append(evicted, eviction{key: key, reason: ReasonCapacity})
	}
	return evicted
}

// Invalidate removes key and reports whether it was present
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if ok {
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if ok {
		c.notify([]eviction{{key: key, reason: ReasonInvalidated}})
	}
	return ok
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	var evicted []eviction
	if c.opts.OnEvict != nil {
		evicted = make([]eviction, 0, c.lru.Len())
		for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
			evicted = append(evicted, eviction{key: elem.Value.(*entry).key, reason: ReasonInvalidated})
		}
	}
	c.lru.Init()
	c.entries = make(map[string]*list.Element)
	c.weight = 0
	c.hitsSinceAging = 0
	c.mu.Unlock()

	c.notify(evicted)
}

// Prune removes every expired entry and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	evicted := c.pruneLocked(c.opts.Now())
	c.mu.Unlock()

	c.notify(evicted)
	return len(evicted)
}

func (c *Cache) pruneLocked(now time.Time) []eviction {
	if c.opts.TTL <= 0 {
		return nil
	}

	var evicted []eviction
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if e := elem.Value.(*entry); c.expired(e, now) {
			c.removeElement(elem)
			c.expirations++
			evicted = append(evicted, eviction{key: e.key, reason: ReasonExpired})
		}
		elem = prev
	}
	return evicted
}

// Len returns the number of entries, including expired ones not yet removed
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Weight returns the summed weight of all entries
func (c *Cache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Policy:      c.opts.Policy,
		Entries:     c.lru.Len(),
		MaxEntries:  c.opts.MaxEntries,
		Weight:      c.weight,
		MaxWeight:   c.opts.MaxWeight,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.opts.TTL > 0 && now.Sub(e.insertedAt) >= c.opts.TTL
}

// removeElement unlinks elem (must hold lock)
func (c *Cache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, e.key)
	c.weight -= e.weight
}

func (c *Cache) notify(evicted []eviction) {
	if c.opts.OnEvict == nil {
		return
	}
	for _, ev := range evicted {
		c.opts.OnEvict(ev.key, ev.reason)
	}
}
