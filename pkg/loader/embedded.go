package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/chazu/decisionloader/decisions"
)

// EmbeddedLoader serves decision documents bundled into the binary, or any
// other fs.FS (for instance a fstest.MapFS in tests)
type EmbeddedLoader struct {
	fsys fs.FS

	// dir is the directory within fsys that keys are relative to
	dir string

	memory *documents
}

// EmbeddedOption configures an EmbeddedLoader
type EmbeddedOption func(*EmbeddedLoader)

// WithEmbeddedKeepInMemory keeps loaded documents in memory until
// Invalidate or Clear is called
func WithEmbeddedKeepInMemory(keep bool) EmbeddedOption {
	return func(l *EmbeddedLoader) {
		if keep {
			l.memory = newDocuments()
		} else {
			l.memory = nil
		}
	}
}

// NewEmbeddedLoader creates a loader over the module's bundled sample decisions
func NewEmbeddedLoader(opts ...EmbeddedOption) *EmbeddedLoader {
	return NewEmbeddedLoaderFromFS(decisions.FS, decisions.Dir, opts...)
}

// NewEmbeddedLoaderFromFS creates a loader over fsys rooted at dir.
// Leading and trailing slashes on dir are ignored.
func NewEmbeddedLoaderFromFS(fsys fs.FS, dir string, opts ...EmbeddedOption) *EmbeddedLoader {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		dir = "."
	}

	l := &EmbeddedLoader{
		fsys: fsys,
		dir:  dir,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the embedded document for key
func (l *EmbeddedLoader) Load(_ context.Context, key string) ([]byte, error) {
	if l.memory != nil {
		if content, found := l.memory.get(key); found {
			return content, nil
		}
	}

	if !fs.ValidPath(key) || key == "." {
		return nil, NotFound(key, fmt.Errorf("invalid document path"))
	}

	content, err := fs.ReadFile(l.fsys, path.Join(l.dir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NotFound(key, fmt.Errorf("decision not found in embedded resources"))
		}
		return nil, IOFailure(key, fmt.Errorf("failed to read embedded decision: %w", err))
	}

	if l.memory != nil {
		l.memory.set(key, content)
	}
	return content, nil
}

// List returns the keys of every embedded document, in lexical order
func (l *EmbeddedLoader) List() ([]string, error) {
	var keys []string

	err := fs.WalkDir(l.fsys, l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden directories
		if d.IsDir() && p != l.dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if d.IsDir() {
			return nil
		}

		key := p
		if l.dir != "." {
			key = strings.TrimPrefix(p, l.dir+"/")
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded decisions: %w", err)
	}

	return keys, nil
}

// Invalidate drops key from the in-memory cache, if enabled
func (l *EmbeddedLoader) Invalidate(key string) {
	if l.memory != nil {
		l.memory.delete(key)
	}
}

// Clear drops every document from the in-memory cache, if enabled
func (l *EmbeddedLoader) Clear() {
	if l.memory != nil {
		l.memory.clear()
	}
}
