package loader

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// DefaultMaxConcurrency bounds Warm and LoadAll when the caller passes a non-positive limit
const DefaultMaxConcurrency = 8

// LoadAll loads keys concurrently with at most maxConcurrency loads in flight.
// It does not stop at the first failure: the returned map holds every document
// that loaded, and the error joins every failure.
func LoadAll(ctx context.Context, l Loader, keys []string, maxConcurrency int) (map[string][]byte, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	var mu sync.Mutex
	results := make(map[string][]byte, len(keys))

	p := pool.New().WithMaxGoroutines(maxConcurrency).WithErrors().WithContext(ctx)
	for _, key := range keys {
		key := key
		p.Go(func(ctx context.Context) error {
			content, err := l.Load(ctx, key)
			if err != nil {
				return err
			}

			mu.Lock()
			results[key] = content
			mu.Unlock()
			return nil
		})
	}

	err := p.Wait()
	return results, err
}

// Warm loads keys concurrently and discards the bytes. With a caching loader
// this pre-populates the cache before traffic arrives.
func Warm(ctx context.Context, l Loader, keys []string, maxConcurrency int) error {
	_, err := LoadAll(ctx, l, keys, maxConcurrency)
	return err
}
