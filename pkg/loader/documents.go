package loader

import (
	"bytes"
	"sort"
	"sync"
)

// documents is a thread-safe key -> bytes map shared by the simple loaders
// for their backing data or their optional keep-in-memory cache. Values are
// copied in and out, so callers never hold a stored slice.
type documents struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func newDocuments() *documents {
	return &documents{
		items: make(map[string][]byte),
	}
}

func (d *documents) get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, found := d.items[key]
	if !found {
		return nil, false
	}
	return bytes.Clone(value), true
}

func (d *documents) set(key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[key] = bytes.Clone(value)
}

func (d *documents) delete(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, found := d.items[key]
	delete(d.items, key)
	return found
}

func (d *documents) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items = make(map[string][]byte)
}

func (d *documents) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.items)
}

// keys returns the stored keys in sorted order
func (d *documents) keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.items))
	for k := range d.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
