package loader

import (
	"context"
)

// CachedLoader wraps another loader and keeps every successful result in
// memory. There is no expiry or bound: it suits backing stores whose size is
// already bounded, such as a directory or a ConfigMap. Use the remote package
// for TTL and eviction.
type CachedLoader struct {
	inner Loader
	docs  *documents
}

// NewCachedLoader wraps inner with an unbounded in-memory cache
func NewCachedLoader(inner Loader) *CachedLoader {
	return &CachedLoader{
		inner: inner,
		docs:  newDocuments(),
	}
}

// Load returns the cached document or loads and caches it. Failures are not cached.
func (c *CachedLoader) Load(ctx context.Context, key string) ([]byte, error) {
	if content, found := c.docs.get(key); found {
		return content, nil
	}

	content, err := c.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	c.docs.set(key, content)
	return content, nil
}

// Invalidate drops key from the cache
func (c *CachedLoader) Invalidate(key string) {
	c.docs.delete(key)
}

// Clear drops every cached document
func (c *CachedLoader) Clear() {
	c.docs.clear()
}

// Size returns the number of cached documents
func (c *CachedLoader) Size() int {
	return c.docs.len()
}

// Close drops the cache and closes the wrapped loader if it holds resources
func (c *CachedLoader) Close() error {
	c.docs.clear()
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
