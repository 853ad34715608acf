package cache

import (
	"context"
	"time"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/resilience"
)

// Guarded wraps a remote cache so that backend failures read as misses and
// failed writes are dropped. Repeated failures open the breaker and the
// backend is not contacted until the cool-down elapses.
type Guarded struct {
	inner   Cache
	breaker *resilience.Breaker
	log     *logger.Logger
}

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Cache, breaker *resilience.Breaker, log *logger.Logger) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, log: log}
}

// Get returns a miss when the backend fails or the breaker is open.
func (g *Guarded) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var (
		entry *Entry
		found bool
	)
	err := g.breaker.Execute(func() error {
		var err error
		entry, found, err = g.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		g.log.Warn("cache read degraded to miss", logger.Fields(logger.FieldCacheKey, key, logger.FieldError, err.Error()))
		return nil, false, nil
	}
	return entry, found, nil
}

// Set drops the write when the backend fails or the breaker is open.
func (g *Guarded) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	err := g.breaker.Execute(func() error {
		return g.inner.Set(ctx, key, entry, ttl)
	})
	if err != nil {
		g.log.Warn("cache write dropped", logger.Fields(logger.FieldCacheKey, key, logger.FieldError, err.Error()))
	}
	return nil
}

// Delete forwards to the backend through the breaker.
func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(func() error {
		return g.inner.Delete(ctx, key)
	})
}

var _ Cache = (*Guarded)(nil)
