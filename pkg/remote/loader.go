package remote

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/decisionloader/pkg/cache"
	"github.com/chazu/decisionloader/pkg/loader"
	"github.com/chazu/decisionloader/pkg/metrics"
)

// Loader loads decision documents from an HTTP origin. Successful fetches
// are cached; 5xx responses and transport failures are retried with
// exponential backoff. A Loader is safe for concurrent use.
type Loader struct {
	cfg     Config
	fetcher *Fetcher
	headers *HeaderComposer
	backoff Backoff

	// cache is nil when caching is disabled
	cache *cache.Cache

	flights singleflight.Group
	closed  atomic.Bool
}

var _ loader.Loader = (*Loader)(nil)

// New validates cfg and creates a loader that owns its own cache
func New(cfg Config) (*Loader, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	l := &Loader{
		cfg:     cfg,
		fetcher: NewFetcher(cfg.Name, cfg.BaseURL, cfg.HTTPClient, cfg.Timeout, cfg.MaxBodyBytes),
		headers: NewHeaderComposer(cfg.Headers, cfg.HeaderProvider),
		backoff: Backoff{Base: cfg.RetryDelay, Max: cfg.MaxRetryDelay},
	}

	if cfg.Cache.Enabled {
		name := cfg.Name
		l.cache = cache.New(cache.Options{
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
			MaxWeight:  cfg.Cache.MaxWeight,
			Policy:     cfg.Cache.Policy,
			OnEvict: func(_ string, reason cache.EvictReason) {
				metrics.RecordCacheEviction(name, string(reason))
			},
		})
	}

	return l, nil
}

// Name returns the name used in metrics and logs
func (l *Loader) Name() string {
	return l.cfg.Name
}

// URL returns the address key is fetched from
func (l *Loader) URL(key string) string {
	return l.fetcher.URL(key)
}

// Load returns the document for key, from cache when possible. The returned
// slice is a fresh copy owned by the caller.
func (l *Loader) Load(ctx context.Context, key string) ([]byte, error) {
	content, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(content), nil
}

// load returns a slice that may be shared with the cache or other callers
func (l *Loader) load(ctx context.Context, key string) ([]byte, error) {
	if l.closed.Load() {
		return nil, loader.NewError(loader.KindUnavailable, key, fmt.Errorf("loader %s is closed", l.cfg.Name))
	}

	if l.cache != nil {
		if content, ok := l.cache.Get(key); ok {
			metrics.RecordCacheHit(l.cfg.Name)
			log.FromContext(ctx).V(1).Info("Decision cache hit", "loader", l.cfg.Name, "key", key)
			return content, nil
		}
		metrics.RecordCacheMiss(l.cfg.Name)
	}

	if !l.cfg.Coalesce {
		return l.fetch(ctx, key)
	}
	return l.fetchShared(ctx, key)
}

// fetchShared joins an in-flight fetch for key or starts one. If the caller
// that started the flight gives up, the others start their own.
func (l *Loader) fetchShared(ctx context.Context, key string) ([]byte, error) {
	for {
		ch := l.flights.DoChan(key, func() (interface{}, error) {
			return l.fetch(ctx, key)
		})

		select {
		case <-ctx.Done():
			return nil, &loader.Error{Kind: loader.KindCanceled, Key: key, Err: ctx.Err()}

		case res := <-ch:
			if res.Shared {
				metrics.RecordCoalescedLoad(l.cfg.Name)
			}
			if res.Err != nil {
				if loader.KindOf(res.Err) == loader.KindCanceled && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return res.Val.([]byte), nil
		}
	}
}

// fetch runs the attempt loop for key
func (l *Loader) fetch(ctx context.Context, key string) ([]byte, error) {
	logger := log.FromContext(ctx).WithValues("loader", l.cfg.Name, "key", key)

	for attempt := 0; ; attempt++ {
		header, err := l.headers.Compose(ctx)
		if err != nil {
			lerr := &loader.Error{Kind: loader.KindProviderFailure, Key: key, Attempts: attempt, Err: err}
			logger.Error(lerr, "Header provider failed")
			return nil, lerr
		}

		res := l.fetcher.Fetch(ctx, key, header)
		if res.Outcome == OutcomeSuccess {
			if l.cache != nil {
				l.cache.Put(key, res.Content)
				l.updateCacheStats()
			}
			logger.V(1).Info("Fetched decision document", "attempts", attempt+1, "bytes", len(res.Content))
			return res.Content, nil
		}

		if res.Outcome == OutcomeRetryable && attempt < l.cfg.MaxRetries {
			delay := l.backoff.Delay(attempt)
			logger.V(1).Info("Retrying decision fetch",
				"attempt", attempt+1, "status", res.StatusCode, "delay", delay, "error", res.Err.Error())
			metrics.RecordRetry(l.cfg.Name)

			if err := wait(ctx, delay); err != nil {
				return nil, &loader.Error{
					Kind:       loader.KindCanceled,
					Key:        key,
					Attempts:   attempt + 1,
					StatusCode: res.StatusCode,
					Err:        err,
				}
			}
			continue
		}

		lerr := &loader.Error{
			Kind:       res.Kind,
			Key:        key,
			Attempts:   attempt + 1,
			StatusCode: res.StatusCode,
			Err:        res.Err,
		}
		switch res.Kind {
		case loader.KindNotFound, loader.KindCanceled:
			logger.V(1).Info("Decision document not loaded", "reason", res.Kind.String())
		default:
			logger.Error(lerr, "Failed to load decision document")
		}
		return nil, lerr
	}
}

// wait blocks for d or until ctx is done, without holding any lock
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invalidate drops key from the cache and reports whether it was cached
func (l *Loader) Invalidate(key string) bool {
	if l.cache == nil {
		return false
	}
	removed := l.cache.Invalidate(key)
	l.updateCacheStats()
	return removed
}

// ClearCache drops every cached document
func (l *Loader) ClearCache() {
	if l.cache == nil {
		return
	}
	l.cache.Clear()
	l.updateCacheStats()
}

// PruneCache drops expired documents and returns how many were dropped
func (l *Loader) PruneCache() int {
	if l.cache == nil {
		return 0
	}
	n := l.cache.Prune()
	l.updateCacheStats()
	return n
}

// CacheStats returns cache statistics; the zero value when caching is disabled
func (l *Loader) CacheStats() cache.Stats {
	if l.cache == nil {
		return cache.Stats{}
	}
	return l.cache.Stats()
}

// Close releases the cache and the loader's metric series. Later loads fail
// with KindUnavailable.
func (l *Loader) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.cache != nil {
		l.cache.Clear()
	}
	metrics.DeleteLoader(l.cfg.Name)
	return nil
}

func (l *Loader) updateCacheStats() {
	stats := l.cache.Stats()
	metrics.UpdateCacheStats(l.cfg.Name, stats.Entries, stats.Weight)
}
