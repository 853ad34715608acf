// Package artifact stores the named outputs produced by the steps of a run.
//
// Each run gets its own namespace "runs/<run id>/" in the configured storage
// backend. Writing the same key again replaces the object and bumps its
// generation, which is how a retried step supersedes a failed attempt.
package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/storage"
)

// Key addresses one named output of one step.
type Key struct {
	StepID string `json:"step_id"`
	Output string `json:"output"`
}

// String returns "step.output".
func (k Key) String() string { return k.StepID + "." + k.Output }

// Location describes where an artifact was written.
type Location struct {
	Key        Key       `json:"key"`
	URI        string    `json:"uri"`
	Path       string    `json:"path"`
	Generation int       `json:"generation"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the artifact namespace of a single run. It is safe for concurrent use.
type Store struct {
	backend storage.Storage
	runID   string
	prefix  string

	mu    sync.RWMutex
	index map[Key]Location
}

// NewStore creates the artifact store for runID on backend.
func NewStore(backend storage.Storage, runID string) *Store {
	return &Store{
		backend: backend,
		runID:   runID,
		prefix:  path.Join("runs", runID),
		index:   make(map[Key]Location),
	}
}

// RunID returns the run the store belongs to.
func (s *Store) RunID() string { return s.runID }

func (s *Store) objectPath(key Key) string {
	return path.Join(s.prefix, key.StepID, key.Output)
}

// Put writes data under key, replacing any previous generation.
func (s *Store) Put(ctx context.Context, key Key, data []byte) (Location, error) {
	p := s.objectPath(key)
	if err := s.backend.Upload(ctx, p, bytes.NewReader(data)); err != nil {
		return Location{}, apperrors.StorageError("put", err).WithDetail("artifact", key.String())
	}
	uri, err := s.backend.URL(ctx, p)
	if err != nil {
		return Location{}, apperrors.StorageError("url", err).WithDetail("artifact", key.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loc := Location{
		Key:        key,
		URI:        uri,
		Path:       p,
		Generation: s.index[key].Generation + 1,
		Digest:     Digest(data),
		Size:       int64(len(data)),
		CreatedAt:  time.Now().UTC(),
	}
	s.index[key] = loc
	return loc, nil
}

// Get reads the current generation of key. It fails with ARTIFACT_NOT_FOUND
// if the key was never written in this run.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, error) {
	loc, ok := s.Lookup(key)
	if !ok {
		return nil, apperrors.ArtifactNotFound(key.StepID, key.Output)
	}
	data, err := storage.ReadAll(ctx, s.backend, loc.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.ArtifactNotFound(key.StepID, key.Output).WithCause(err)
		}
		return nil, apperrors.StorageError("get", err).WithDetail("artifact", key.String())
	}
	return data, nil
}

// Lookup returns the location of key without touching the backend.
func (s *Store) Lookup(key Key) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.index[key]
	return loc, ok
}

// Exists reports whether key has been written in this run.
func (s *Store) Exists(key Key) bool {
	_, ok := s.Lookup(key)
	return ok
}

// List returns every written artifact ordered by step then output.
func (s *Store) List() []Location {
	s.mu.RLock()
	locs := make([]Location, 0, len(s.index))
	for _, loc := range s.index {
		locs = append(locs, loc)
	}
	s.mu.RUnlock()

	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Key.StepID != locs[j].Key.StepID {
			return locs[i].Key.StepID < locs[j].Key.StepID
		}
		return locs[i].Key.Output < locs[j].Key.Output
	})
	return locs
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
