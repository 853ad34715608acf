package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/resilience"
)

// Provider constants for supported cache backends.
const (
	ProviderNone   = "none"
	ProviderMemory = "memory"
	ProviderRedis  = "redis"
)

// Entry is a cached step result.
type Entry struct {
	StepID      string            `json:"step_id"`
	Fingerprint string            `json:"fingerprint"`
	Outputs     map[string][]byte `json:"outputs"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Outputs = make(map[string][]byte, len(e.Outputs))
	for k, v := range e.Outputs {
		c.Outputs[k] = append([]byte(nil), v...)
	}
	return &c
}

// Cache is a fingerprint-addressed store of step results.
// A TTL of zero or less means the entry does not expire.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config holds cache configuration.
type Config struct {
	// Provider selects the backend: "none", "memory" or "redis".
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider"`
	// DefaultTTL applies to steps that enable caching without a TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl" json:"default_ttl"`
	// CleanupInterval is how often the memory backend purges expired entries.
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval"`
	// KeyPrefix namespaces keys in shared backends.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`

	Redis RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// BreakerFailures and BreakerCooldown configure the breaker around remote backends.
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown" json:"breaker_cooldown"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderMemory
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "condflow:step"
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	c.Redis.ApplyDefaults()
}

// Validate checks that the configuration is valid for the selected provider.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderNone, ProviderMemory:
		return nil
	case ProviderRedis:
		return c.Redis.Validate()
	default:
		return fmt.Errorf("cache: unsupported provider %q", c.Provider)
	}
}

// New creates the configured cache. It returns nil when caching is disabled.
func New(cfg Config, log *logger.Logger) (Cache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := log.WithComponent("cache")

	switch cfg.Provider {
	case ProviderMemory:
		l.Info("initializing cache", logger.Fields("provider", cfg.Provider))
		return NewMemory(cfg.CleanupInterval), nil
	case ProviderRedis:
		r, err := NewRedis(cfg.Redis, cfg.KeyPrefix, l)
		if err != nil {
			return nil, err
		}
		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "cache.redis",
			MaxFailures: cfg.BreakerFailures,
			Cooldown:    cfg.BreakerCooldown,
			OnStateChange: func(name string, from, to resilience.State) {
				l.Warn("cache breaker state changed", logger.Fields("breaker", name, "from", from.String(), "to", to.String()))
			},
		})
		return NewGuarded(r, breaker, l), nil
	default:
		l.Info("step cache disabled")
		return nil, nil
	}
}

