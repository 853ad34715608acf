package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbukum/condflow/dag"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/observability"
	"github.com/kbukum/condflow/server"
	"github.com/kbukum/condflow/server/endpoint"
	"github.com/kbukum/condflow/storage"
	"github.com/kbukum/condflow/version"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve [FILE...]",
		Short: "Serve pipelines over HTTP",
		Long: `Serve exposes pipelines through an HTTP API for starting, inspecting and
cancelling runs. Pipelines come from the given files and from every
definition in the configured pipeline directories.

Examples:
  condflow serve pipelines/truck-eta.yml
  condflow serve --config condflow.yml --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return serve(cmd.Context(), a, args)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func serve(ctx context.Context, a *app, files []string) error {
	graphs, err := collectGraphs(a, files)
	if err != nil {
		return err
	}
	if len(graphs) == 0 {
		return fmt.Errorf("no pipelines to serve: pass files or configure pipeline directories")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, backend, err := a.newExecutor(ctx, executorOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			a.log.Warn("telemetry shutdown failed", logger.Fields(logger.FieldError, err.Error()))
		}
	}()

	runs := server.NewRunRegistry(a.cfg.Server.RunRetention)
	api, err := server.NewAPI(exec, runs, a.log, graphs...)
	if err != nil {
		return err
	}

	srv := server.New(a.cfg.Server, a.log)
	api.Register(srv.GinEngine())
	srv.GinEngine().GET("/health", endpoint.Health(a.cfg.Name, version.GetVersionInfo().Version, storageProbe(backend)))
	srv.GinEngine().GET("/info", endpoint.Info(a.cfg.Name))

	for _, r := range srv.Routes() {
		a.log.Debug("route", logger.Fields("method", r.Method, "path", r.Path, "handler", r.Handler))
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.log.Info("serving pipelines", logger.Fields("addr", srv.Addr(), "pipelines", len(graphs)))

	<-ctx.Done()
	for _, run := range runs.Active() {
		run.Cancel()
	}
	return srv.Stop(context.Background())
}

// collectGraphs loads the given files and every definition found in the
// configured pipeline directories.
func collectGraphs(a *app, files []string) ([]*dag.Graph, error) {
	var graphs []*dag.Graph
	for _, f := range files {
		g, err := a.loadGraph(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		graphs = append(graphs, g)
	}
	for _, dir := range a.cfg.Pipelines {
		for _, pattern := range []string{"*.yml", "*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				g, err := dag.LoadGraph(m)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", m, err)
				}
				graphs = append(graphs, g)
			}
		}
	}
	return graphs, nil
}

func storageProbe(s storage.Storage) observability.HealthChecker {
	return observability.HealthCheckFunc{
		Name: "storage",
		Probe: func(ctx context.Context) error {
			_, err := s.Exists(ctx, ".health")
			return err
		},
	}
}
