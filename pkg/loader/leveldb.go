package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var levelDBPrefix = []byte("doc/")

// LevelDBLoader serves decision documents from a LevelDB database. Documents
// live under "doc/<key>" so the database can hold other data alongside them.
type LevelDBLoader struct {
	db *leveldb.DB
}

// OpenLevelDBLoader opens (or creates) the database at path
func OpenLevelDBLoader(path string) (*LevelDBLoader, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	return NewLevelDBLoader(db), nil
}

// NewLevelDBLoader wraps an open database. Close closes db.
func NewLevelDBLoader(db *leveldb.DB) *LevelDBLoader {
	return &LevelDBLoader{db: db}
}

func levelDBKey(key string) []byte {
	return append(append([]byte{}, levelDBPrefix...), key...)
}

// Load returns the document stored under key
func (l *LevelDBLoader) Load(_ context.Context, key string) ([]byte, error) {
	content, err := l.db.Get(levelDBKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, NotFound(key, err)
		}
		return nil, IOFailure(key, err)
	}
	return content, nil
}

// Put stores content under key, replacing any previous document
func (l *LevelDBLoader) Put(key string, content []byte) error {
	if key == "" {
		return fmt.Errorf("document key cannot be empty")
	}
	return l.db.Put(levelDBKey(key), content, nil)
}

// PutAll stores every document in one atomic batch
func (l *LevelDBLoader) PutAll(docs map[string][]byte) error {
	batch := new(leveldb.Batch)
	for key, content := range docs {
		if key == "" {
			return fmt.Errorf("document key cannot be empty")
		}
		batch.Put(levelDBKey(key), content)
	}
	return l.db.Write(batch, nil)
}

// Delete removes key. Deleting a missing key is not an error.
func (l *LevelDBLoader) Delete(key string) error {
	return l.db.Delete(levelDBKey(key), nil)
}

// Keys returns every stored document key in byte order
func (l *LevelDBLoader) Keys() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(levelDBPrefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), levelDBPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying database
func (l *LevelDBLoader) Close() error {
	return l.db.Close()
}
