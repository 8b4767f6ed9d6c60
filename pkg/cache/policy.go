package cache

import (
	"container/list"
	"fmt"
	"strings"
)

// Policy selects how the cache chooses entries to evict under pressure
type Policy int

const (
	// PolicyLRU bounds the entry count and evicts the least recently accessed entry
	PolicyLRU Policy = iota

	// PolicyFrequency bounds the entry count and evicts the least frequently
	// accessed entry among the least recently accessed few
	PolicyFrequency

	// PolicyWeight bounds the total weight in bytes, regardless of count,
	// evicting least recently accessed entries first
	PolicyWeight
)

// String returns the name used in configuration files
func (p Policy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyFrequency:
		return "frequency"
	case PolicyWeight:
		return "weight"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name. "count" is accepted as an alias for "lru".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lru", "count":
		return PolicyLRU, nil
	case "frequency", "lfu":
		return PolicyFrequency, nil
	case "weight", "memory":
		return PolicyWeight, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q (want lru, frequency or weight)", s)
	}
}

// Valid reports whether p is one of the defined policies
func (p Policy) Valid() bool {
	_, ok := policies[p]
	return ok
}

// policyBehavior is the per-policy bookkeeping the cache dispatches to
type policyBehavior struct {
	// overBound reports whether the cache must evict
	overBound func(c *Cache) bool

	// victim picks the entry to evict. fresh is the element just written;
	// policies avoid it while any other entry remains.
	victim func(c *Cache, fresh *list.Element) *list.Element

	// onHit updates access signals after a successful Get
	onHit func(c *Cache, e *entry)
}

var policies = map[Policy]policyBehavior{
	PolicyLRU: {
		overBound: countOverBound,
		victim:    leastRecent,
		onHit:     func(*Cache, *entry) {},
	},
	PolicyFrequency: {
		overBound: countOverBound,
		victim:    leastFrequentSample,
		onHit:     recordFrequency,
	},
	PolicyWeight: {
		overBound: func(c *Cache) bool {
			return c.opts.MaxWeight > 0 && c.weight > c.opts.MaxWeight
		},
		victim: oversizedFreshOrLeastRecent,
		onHit:  func(*Cache, *entry) {},
	},
}

func countOverBound(c *Cache) bool {
	return c.opts.MaxEntries > 0 && c.lru.Len() > c.opts.MaxEntries
}

// leastRecent returns the back of the recency list. Ties in access time keep
// insertion order there, so the earliest inserted goes first.
func leastRecent(c *Cache, _ *list.Element) *list.Element {
	return c.lru.Back()
}

// oversizedFreshOrLeastRecent drops a fresh entry that cannot fit on its own
// before touching anything older
func oversizedFreshOrLeastRecent(c *Cache, fresh *list.Element) *list.Element {
	if fresh != nil {
		e := fresh.Value.(*entry)
		if e.weight > c.opts.MaxWeight && c.entries[e.key] == fresh {
			return fresh
		}
	}
	return c.lru.Back()
}

// leastFrequentSample looks at the SampleSize least recently accessed entries
// and returns the one with the lowest frequency, preferring the least recent
// on ties
func leastFrequentSample(c *Cache, fresh *list.Element) *list.Element {
	var victim *list.Element
	seen := 0
	for elem := c.lru.Back(); elem != nil && seen < SampleSize; elem = elem.Prev() {
		if elem == fresh {
			continue
		}
		seen++
		if victim == nil || elem.Value.(*entry).freq < victim.Value.(*entry).freq {
			victim = elem
		}
	}
	if victim == nil {
		return fresh
	}
	return victim
}

// recordFrequency bumps the entry's counter and ages every counter once
// enough hits have accumulated, so keys that were hot long ago cool down
func recordFrequency(c *Cache, e *entry) {
	e.freq++
	c.hitsSinceAging++

	window := AgingFactor * c.opts.MaxEntries
	if window <= 0 || c.hitsSinceAging < window {
		return
	}
	c.hitsSinceAging = 0
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*entry).freq /= 2
	}
}
