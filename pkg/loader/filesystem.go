package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FilesystemLoader loads decision documents from a directory on disk.
// Keys are slash-separated paths relative to the root; keys that would
// escape the root are reported as not found.
type FilesystemLoader struct {
	root string

	// memory is non-nil when keep-in-memory caching is enabled
	memory *documents
}

// FilesystemOption configures a FilesystemLoader
type FilesystemOption func(*FilesystemLoader)

// WithKeepInMemory keeps every document read from disk in memory until
// Invalidate or Clear is called
func WithKeepInMemory(keep bool) FilesystemOption {
	return func(l *FilesystemLoader) {
		if keep {
			l.memory = newDocuments()
		} else {
			l.memory = nil
		}
	}
}

// NewFilesystemLoader creates a loader rooted at dir
func NewFilesystemLoader(dir string, opts ...FilesystemOption) *FilesystemLoader {
	l := &FilesystemLoader{root: dir}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the directory documents are read from
func (l *FilesystemLoader) Root() string {
	return l.root
}

// Load reads the document at root/key
func (l *FilesystemLoader) Load(_ context.Context, key string) ([]byte, error) {
	if l.memory != nil {
		if content, found := l.memory.get(key); found {
			return content, nil
		}
	}

	if !fs.ValidPath(key) || key == "." {
		return nil, NotFound(key, fmt.Errorf("invalid document path"))
	}

	root, err := os.OpenRoot(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NotFound(key, fmt.Errorf("root directory %s does not exist", l.root))
		}
		return nil, IOFailure(key, fmt.Errorf("failed to open root %s: %w", l.root, err))
	}
	defer root.Close()

	content, err := fs.ReadFile(root.FS(), key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NotFound(key, fmt.Errorf("decision file not found in %s", l.root))
		}
		return nil, IOFailure(key, fmt.Errorf("failed to read decision file: %w", err))
	}

	if l.memory != nil {
		l.memory.set(key, content)
	}
	return content, nil
}

// Invalidate drops key from the in-memory cache, if enabled
func (l *FilesystemLoader) Invalidate(key string) {
	if l.memory != nil {
		l.memory.delete(key)
	}
}

// Clear drops every document from the in-memory cache, if enabled
func (l *FilesystemLoader) Clear() {
	if l.memory != nil {
		l.memory.clear()
	}
}
