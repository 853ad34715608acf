package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/resilience"
)

func testEntry() *Entry {
	return &Entry{
		StepID:      "CalculateDataDrift",
		Fingerprint: "abc",
		Outputs:     map[string][]byte{"evaluation": []byte(`{"drifted": 1}`)},
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

// newTestRedis creates a Redis cache backed by miniredis.
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	r, err := NewRedis(RedisConfig{Addr: mini.Addr()}, "test", logger.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mini
}

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("expected miss on empty cache")
	}
	e := testEntry()
	if err := m.Set(ctx, "k", e, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Outputs["evaluation"][0] = 'X'

	got, found, err := m.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("expected hit, got %v %v", found, err)
	}
	if string(got.Outputs["evaluation"]) != `{"drifted": 1}` {
		t.Errorf("cache must store a copy, got %q", got.Outputs["evaluation"])
	}
	got.Outputs["evaluation"] = nil
	again, _, _ := m.Get(ctx, "k")
	if again.Outputs["evaluation"] == nil {
		t.Error("cache must return a copy")
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", m.Len())
	}
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()
	_ = m.Set(ctx, "k", testEntry(), 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("expected entry to expire")
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()
	_ = m.Set(ctx, "k", testEntry(), 0)
	_ = m.Delete(ctx, "k")
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("expected entry to be deleted")
	}
}

func TestRedis_SetGet(t *testing.T) {
	r, mini := newTestRedis(t)
	ctx := context.Background()

	if _, found, err := r.Get(ctx, "k"); found || err != nil {
		t.Fatalf("expected clean miss, got %v %v", found, err)
	}
	if err := r.Set(ctx, "k", testEntry(), time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mini.Exists("test:k") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mini.TTL("test:k"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	got, found, err := r.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("expected hit, got %v %v", found, err)
	}
	if got.StepID != "CalculateDataDrift" || string(got.Outputs["evaluation"]) != `{"drifted": 1}` {
		t.Errorf("unexpected entry %+v", got)
	}
	if !got.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected created_at %v", got.CreatedAt)
	}

	mini.FastForward(2 * time.Hour)
	if _, found, _ := r.Get(ctx, "k"); found {
		t.Error("expected entry to expire")
	}
}

func TestRedis_NoExpiry(t *testing.T) {
	r, mini := newTestRedis(t)
	if err := r.Set(context.Background(), "k", testEntry(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl := mini.TTL("test:k"); ttl != 0 {
		t.Errorf("expected no ttl, got %v", ttl)
	}
}

func TestRedis_Delete(t *testing.T) {
	r, mini := newTestRedis(t)
	ctx := context.Background()
	_ = r.Set(ctx, "k", testEntry(), 0)
	if err := r.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mini.Exists("test:k") {
		t.Error("expected key deleted")
	}
}

func TestRedis_CorruptEntry(t *testing.T) {
	r, mini := newTestRedis(t)
	_ = mini.Set("test:k", "not json")
	if _, _, err := r.Get(context.Background(), "k"); err == nil {
		t.Error("expected decode error")
	}
}

type failingCache struct{ calls int }

func (f *failingCache) Get(context.Context, string) (*Entry, bool, error) {
	f.calls++
	return nil, false, errors.New("connection refused")
}

func (f *failingCache) Set(context.Context, string, *Entry, time.Duration) error {
	f.calls++
	return errors.New("connection refused")
}

func (f *failingCache) Delete(context.Context, string) error {
	f.calls++
	return errors.New("connection refused")
}

func TestGuarded_DegradesToMiss(t *testing.T) {
	inner := &failingCache{}
	g := NewGuarded(inner, resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}), logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, found, err := g.Get(ctx, "k"); found || err != nil {
			t.Fatalf("expected silent miss, got %v %v", found, err)
		}
	}
	if err := g.Set(ctx, "k", testEntry(), 0); err != nil {
		t.Fatalf("expected dropped write, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d", inner.calls)
	}
}

func TestGuarded_PassesThrough(t *testing.T) {
	r, _ := newTestRedis(t)
	g := NewGuarded(r, resilience.NewBreaker(resilience.BreakerConfig{}), logger.NewNop())
	ctx := context.Background()
	_ = g.Set(ctx, "k", testEntry(), 0)
	if _, found, _ := g.Get(ctx, "k"); !found {
		t.Error("expected hit through guard")
	}
}

func TestNew_Providers(t *testing.T) {
	c, err := New(Config{Provider: ProviderNone}, logger.NewNop())
	if err != nil || c != nil {
		t.Fatalf("expected nil cache for none, got %v %v", c, err)
	}

	c, err = New(Config{}, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*Memory); !ok {
		t.Errorf("expected memory cache by default, got %T", c)
	}

	mini := miniredis.RunT(t)
	c, err = New(Config{Provider: ProviderRedis, Redis: RedisConfig{Addr: mini.Addr()}}, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*Guarded); !ok {
		t.Errorf("expected guarded redis cache, got %T", c)
	}

	if _, err := New(Config{Provider: ProviderRedis}, logger.NewNop()); err == nil {
		t.Error("expected error for redis without addr")
	}
	if _, err := New(Config{Provider: "memcached"}, logger.NewNop()); err == nil {
		t.Error("expected error for unknown provider")
	}
}
