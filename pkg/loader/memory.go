package loader

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MemoryLoader serves decision documents added programmatically
type MemoryLoader struct {
	docs *documents
}

// NewMemoryLoader creates an empty in-memory loader
func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{
		docs: newDocuments(),
	}
}

// Load returns the document stored under key
func (l *MemoryLoader) Load(_ context.Context, key string) ([]byte, error) {
	content, found := l.docs.get(key)
	if !found {
		return nil, NotFound(key, fmt.Errorf("not present in memory"))
	}
	return content, nil
}

// Add stores a copy of content under key, replacing any previous document
func (l *MemoryLoader) Add(key string, content []byte) {
	l.docs.set(key, content)
}

// AddString stores content under key
func (l *MemoryLoader) AddString(key, content string) {
	l.docs.set(key, []byte(content))
}

// Remove deletes the document under key and reports whether it existed
func (l *MemoryLoader) Remove(key string) bool {
	return l.docs.delete(key)
}

// Contains reports whether a document is stored under key
func (l *MemoryLoader) Contains(key string) bool {
	_, found := l.docs.get(key)
	return found
}

// Clear removes every document
func (l *MemoryLoader) Clear() {
	l.docs.clear()
}

// Keys returns the stored keys in sorted order
func (l *MemoryLoader) Keys() []string {
	return l.docs.keys()
}

// Digest returns a content hash of the document under key, used to detect changes
func (l *MemoryLoader) Digest(key string) (string, bool) {
	content, found := l.docs.get(key)
	if !found {
		return "", false
	}
	return fmt.Sprintf("memory:%x", xxhash.Sum64(content)), true
}
