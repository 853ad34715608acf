package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbukum/condflow/dag"
	"github.com/kbukum/condflow/logger"
)

// errRunFailed is returned when a run ends without succeeding. The run
// summary has already been printed.
var errRunFailed = errors.New("run did not succeed")

type runOptions struct {
	params  []string
	workDir string
	output  string
	stream  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a pipeline to completion",
		Long: `Run executes a pipeline definition and prints the result of every node.
FILE is a path or a pipeline name looked up in the configured pipeline
directories. Interrupting the command cancels the run: running steps are
allowed to finish and nothing new is started.

Examples:
  condflow run pipelines/truck-eta.yml
  condflow run truck-eta --param threshold=0.7 --stream
  condflow run truck-eta -o json > result.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "parameter override as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.workDir, "work-dir", "", "override executor.work_dir")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "result format: text or json")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "stream step stdout and stderr to stderr")
	return cmd
}

func runPipeline(cmd *cobra.Command, root *rootOptions, opts *runOptions, ref string) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	overrides, err := parseParams(opts.params)
	if err != nil {
		return err
	}

	a, err := newApp(root)
	if err != nil {
		return err
	}
	if opts.workDir != "" {
		a.cfg.Executor.WorkDir = opts.workDir
	}
	g, err := a.loadGraph(ref)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var eo executorOptions
	if opts.stream {
		eo.process.Stdout = cmd.ErrOrStderr()
		eo.process.Stderr = cmd.ErrOrStderr()
	}
	exec, _, err := a.newExecutor(ctx, eo)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			a.log.Warn("telemetry shutdown failed", logger.Fields(logger.FieldError, err.Error()))
		}
	}()

	run, err := exec.Start(ctx, g, overrides)
	if err != nil {
		return err
	}
	a.log.Info("run started", logger.Fields(logger.FieldRunID, run.ID(), logger.FieldPipeline, g.Name()))

	res, err := run.Wait(context.Background())
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), res, opts.output); err != nil {
		return err
	}
	if !res.Succeeded() {
		return errRunFailed
	}
	return nil
}

// parseParams turns name=value pairs into overrides. Values stay strings;
// the executor coerces them to the declared parameter type.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: expected name=value", p)
		}
		out[name] = value
	}
	return out, nil
}

func printResult(w io.Writer, res *dag.Result, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Snapshot)
	}

	fmt.Fprintf(w, "run %s %s: %s (%s)\n", res.RunID, res.Pipeline, res.Outcome, res.Duration.Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tKIND\tSTATUS\tATTEMPTS\tDURATION\tDETAIL")
	for _, n := range res.Nodes {
		detail := n.Error
		switch {
		case n.Branch != "":
			detail = "branch " + string(n.Branch)
		case n.Cached:
			detail = "cached"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", n.ID, n.Kind, n.Status, n.Attempts, n.Duration(), detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, f := range res.Absorbed {
		fmt.Fprintf(w, "absorbed by %s: %s: %s\n", f.Condition, f.Node, f.Error)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	return nil
}
