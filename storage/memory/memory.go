// Package memory implements storage.Storage with an in-process map.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/storage"
)

func init() {
	storage.RegisterFactory(storage.ProviderMemory, func(storage.Config, *logger.Logger) (storage.Storage, error) {
		return NewStorage(), nil
	})
}

type object struct {
	data     []byte
	modified time.Time
}

// Storage keeps objects in memory. It is safe for concurrent use.
type Storage struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewStorage creates an empty in-memory storage.
func NewStorage() *Storage {
	return &Storage{objects: make(map[string]object)}
}

// Upload stores a copy of everything read from reader.
func (s *Storage) Upload(_ context.Context, path string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("storage: read upload: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = object{data: data, modified: time.Now()}
	s.mu.Unlock()
	return nil
}

// Download returns a reader over a snapshot of the object.
func (s *Storage) Download(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes the object. Returns nil if it does not exist.
func (s *Storage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

// Exists reports whether the object exists.
func (s *Storage) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	return ok, nil
}

// URL returns a mem:// URL for the object.
func (s *Storage) URL(_ context.Context, path string) (string, error) {
	u := &url.URL{Scheme: "mem", Path: "/" + strings.TrimPrefix(path, "/")}
	return u.String(), nil
}

// List returns objects whose path starts with prefix, sorted by path.
func (s *Storage) List(_ context.Context, prefix string) ([]storage.FileInfo, error) {
	s.mu.RLock()
	files := make([]storage.FileInfo, 0, len(s.objects))
	for p, obj := range s.objects {
		if strings.HasPrefix(p, prefix) {
			files = append(files, storage.FileInfo{Path: p, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	s.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// compile-time check
var _ storage.Storage = (*Storage)(nil)
