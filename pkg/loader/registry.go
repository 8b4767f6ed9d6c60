package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry manages a set of named loaders, typically one per configured source
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		loaders: make(map[string]Loader),
	}
}

// Register adds l under name. Registering a name twice is an error.
func (r *Registry) Register(name string, l Loader) error {
	if name == "" {
		return fmt.Errorf("loader name cannot be empty")
	}
	if l == nil {
		return fmt.Errorf("loader %s cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loaders[name]; exists {
		return fmt.Errorf("loader %s is already registered", name)
	}
	r.loaders[name] = l
	return nil
}

// Get returns the loader registered under name
func (r *Registry) Get(name string) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.loaders[name]
	if !ok {
		return nil, fmt.Errorf("unknown loader: %s", name)
	}
	return l, nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.namesLocked()
}

// Load loads key using the loader registered under name
func (r *Registry) Load(ctx context.Context, name, key string) ([]byte, error) {
	l, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, key)
}

// Close closes every registered loader that holds resources
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	for _, name := range r.namesLocked() {
		c, ok := r.loaders[name].(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close loader %s: %w", name, err)
		}
	}
	return firstErr
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
