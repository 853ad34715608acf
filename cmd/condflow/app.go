package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kbukum/condflow/cache"
	"github.com/kbukum/condflow/config"
	"github.com/kbukum/condflow/dag"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/observability"
	"github.com/kbukum/condflow/storage"
	_ "github.com/kbukum/condflow/storage/local"
	_ "github.com/kbukum/condflow/storage/memory"
	_ "github.com/kbukum/condflow/storage/s3"
)

// app holds what every command builds from configuration.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	shutdown []func(context.Context) error
}

func newApp(opts *rootOptions) (*app, error) {
	var loadOpts []config.LoaderOption
	if opts.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(opts.configFile))
	}
	if opts.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(opts.envFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}

	log := logger.New(&cfg.Logging, cfg.Name)
	logger.SetGlobalLogger(log)
	return &app{cfg: cfg, log: log}, nil
}

// loadGraph builds a pipeline from a file path or, failing that, by name
// from the configured pipeline directories.
func (a *app) loadGraph(ref string) (*dag.Graph, error) {
	if _, err := os.Stat(ref); err == nil {
		return dag.LoadGraph(ref)
	}
	if len(a.cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline file %s does not exist", ref)
	}
	d, err := dag.NewFileDefinitionLoader(a.cfg.Pipelines...).Load(ref)
	if err != nil {
		return nil, err
	}
	return d.Build()
}

// executorOptions configures how steps run.
type executorOptions struct {
	process dag.ProcessConfig
}

// newExecutor wires storage, cache, telemetry and the process runner into
// an Executor. It returns the artifact backend for health checks.
func (a *app) newExecutor(ctx context.Context, eo executorOptions) (*dag.Executor, storage.Storage, error) {
	backend, err := storage.New(a.cfg.Storage, a.log)
	if err != nil {
		return nil, nil, err
	}
	stepCache, err := cache.New(a.cfg.Cache, a.log)
	if err != nil {
		return nil, nil, err
	}

	tp, err := observability.InitTracer(ctx, a.cfg.Tracing, a.log)
	if err != nil {
		return nil, nil, err
	}
	if tp != nil {
		a.shutdown = append(a.shutdown, tp.Shutdown)
	}
	if a.cfg.Metrics.Enabled {
		mp, err := observability.InitMeter(ctx, &a.cfg.Metrics, a.log)
		if err != nil {
			return nil, nil, err
		}
		a.shutdown = append(a.shutdown, mp.Shutdown)
	}
	metrics, err := observability.NewMetrics(observability.Meter("condflow"))
	if err != nil {
		return nil, nil, err
	}

	pc := eo.process
	pc.WorkDir = a.cfg.Executor.WorkDir
	pc.GracePeriod = a.cfg.Executor.GracePeriod
	pc.MaxOutput = a.cfg.Executor.MaxOutput

	runner := dag.LoggingRunner(
		dag.TracingRunner(dag.NewProcessRunner(pc, a.log), "condflow.step"),
		a.log,
	)
	opts := []dag.Option{
		dag.WithStorage(backend),
		dag.WithCacheTTL(a.cfg.Cache.DefaultTTL),
		dag.WithLogger(a.log),
		dag.WithMetrics(metrics),
		dag.WithMaxParallel(a.cfg.Executor.MaxParallel),
		dag.WithDefaultTimeout(a.cfg.Executor.DefaultTimeout),
	}
	if stepCache != nil {
		opts = append(opts, dag.WithCache(stepCache))
	}
	return dag.NewExecutor(runner, opts...), backend, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, fn := range a.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
