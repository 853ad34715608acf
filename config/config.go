package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kbukum/condflow/cache"
	"github.com/kbukum/condflow/observability"
	"github.com/kbukum/condflow/server"
	"github.com/kbukum/condflow/storage"
)

// ServiceName is the name used to locate config and .env files.
const ServiceName = "condflow"

// Config is the full condflow configuration.
type Config struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Executor ExecutorConfig             `yaml:"executor" mapstructure:"executor"`
	Storage  storage.Config             `yaml:"storage" mapstructure:"storage"`
	Cache    cache.Config               `yaml:"cache" mapstructure:"cache"`
	Tracing  observability.TracerConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics  observability.MeterConfig  `yaml:"metrics" mapstructure:"metrics"`
	Server   server.Config              `yaml:"server" mapstructure:"server"`

	// Pipelines lists directories searched for definitions by name.
	Pipelines []string `yaml:"pipelines" mapstructure:"pipelines"`
}

// ExecutorConfig tunes run execution and the process runner.
type ExecutorConfig struct {
	// MaxParallel bounds concurrently running nodes; 0 means unbounded.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
	// WorkDir holds per-attempt input and output directories.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
	// GracePeriod is how long a cancelled step may take to exit after SIGTERM.
	GracePeriod time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	// DefaultTimeout bounds attempts of steps that declare no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	// MaxOutput caps captured stdout and stderr per attempt, in bytes.
	MaxOutput int `yaml:"max_output" mapstructure:"max_output"`
}

// ApplyDefaults fills zero values.
func (c *ExecutorConfig) ApplyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = ".condflow/work"
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Hour
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = 1 << 20
	}
}

// Validate checks the executor section.
func (c *ExecutorConfig) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("executor.max_parallel must be non-negative (got: %d)", c.MaxParallel)
	}
	if c.WorkDir == "" {
		return errors.New("executor.work_dir is required")
	}
	return nil
}

// ApplyDefaults applies defaults to every section.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	c.Executor.ApplyDefaults()
	c.Storage.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.Server.ApplyDefaults()

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Name
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = c.Version
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = c.Environment
	}
	c.Tracing.ApplyDefaults()

	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = c.Tracing.ServiceName
	}
	if c.Metrics.ServiceVersion == "" {
		c.Metrics.ServiceVersion = c.Tracing.ServiceVersion
	}
	if c.Metrics.Environment == "" {
		c.Metrics.Environment = c.Tracing.Environment
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = c.Tracing.Endpoint
	}
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 15 * time.Second
	}
}

// Validate validates every section and joins the failures.
func (c *Config) Validate() error {
	return errors.Join(
		c.ServiceConfig.Validate(),
		c.Executor.Validate(),
		c.Storage.Validate(),
		c.Cache.Validate(),
		c.Tracing.Validate(),
		c.Server.Validate(),
	)
}

// Load reads the configuration, applies defaults and validates it.
func Load(opts ...LoaderOption) (*Config, error) {
	var cfg Config
	if err := LoadConfig(ServiceName, &cfg, opts...); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
