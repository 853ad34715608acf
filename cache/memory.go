package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache backed by go-cache.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an in-process cache that purges expired entries every cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get returns a copy of the entry stored under key.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	e, ok := v.(*Entry)
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Set stores a copy of entry under key.
func (m *Memory) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(key, entry.Clone(), ttl)
	return nil
}

// Delete removes the entry stored under key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Len returns the number of entries, including expired ones not yet purged.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

var _ Cache = (*Memory)(nil)
