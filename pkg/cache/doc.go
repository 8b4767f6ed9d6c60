// Package cache implements the bounded in-memory document cache used by the
// remote loader: TTL expiry measured from insertion, layered over one of three
// eviction policies (count-bounded LRU, frequency-aware, or weight-bounded).
package cache
