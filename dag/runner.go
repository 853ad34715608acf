package dag

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/process"
)

// Invocation is one attempt at running a step. Parameters are already
// substituted in Args, Dir and Env; {{inputs.X}} and {{outputs.X}}
// placeholders are left for the runner, which decides where inputs and
// outputs live. ProcessRunner substitutes both from the declared command in
// one pass when the executor provides it.
type Invocation struct {
	RunID    string
	Pipeline string
	StepID   string
	Attempt  int

	Executable string
	Args       []string
	Dir        string
	Env        map[string]string

	// Inputs holds the content of each declared input by name.
	Inputs map[string][]byte
	// Outputs lists the names the runner must return.
	Outputs []string

	// declared keeps the step's args, dir and env before substitution.
	declared *declaredCommand
}

// declaredCommand is a step command as written in the definition, with the
// bindings of its run.
type declaredCommand struct {
	args     []string
	dir      string
	env      map[string]string
	bindings Bindings
}

// Runner executes a step invocation and returns its outputs by name.
type Runner interface {
	Run(ctx context.Context, inv *Invocation) (map[string][]byte, error)
}

// RunnerFunc adapts a function into a Runner, for steps implemented in Go.
type RunnerFunc func(ctx context.Context, inv *Invocation) (map[string][]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, inv *Invocation) (map[string][]byte, error) {
	return f(ctx, inv)
}

// Environment variables exported to step executables.
const (
	EnvRunID     = "CONDFLOW_RUN_ID"
	EnvStepID    = "CONDFLOW_STEP_ID"
	EnvWorkDir   = "CONDFLOW_WORKDIR"
	EnvInputDir  = "CONDFLOW_INPUT_DIR"
	EnvOutputDir = "CONDFLOW_OUTPUT_DIR"
)

// ProcessConfig configures a ProcessRunner.
type ProcessConfig struct {
	// WorkDir is the root under which attempt directories are created.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir" json:"work_dir"`
	// GracePeriod is how long a killed step gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period" mapstructure:"grace_period" json:"grace_period"`
	// MaxOutput caps the captured stdout/stderr per stream.
	MaxOutput int `yaml:"max_output" mapstructure:"max_output" json:"max_output"`
	// Stdout and Stderr, when set, receive the live streams of every step.
	Stdout io.Writer `yaml:"-" mapstructure:"-" json:"-"`
	Stderr io.Writer `yaml:"-" mapstructure:"-" json:"-"`
}

// ProcessRunner runs steps as subprocesses. Each attempt gets the layout
//
//	<work_dir>/<run>/<step>/attempt-<n>/inputs/<name>
//	<work_dir>/<run>/<step>/attempt-<n>/outputs/<name>
//
// and must write every declared output before exiting 0.
type ProcessRunner struct {
	cfg ProcessConfig
	log *logger.Logger
}

// NewProcessRunner creates a ProcessRunner. An empty WorkDir uses the
// system temp directory.
func NewProcessRunner(cfg ProcessConfig, log *logger.Logger) *ProcessRunner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "condflow")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ProcessRunner{cfg: cfg, log: log.WithComponent("process-runner")}
}

// Run implements Runner.
func (p *ProcessRunner) Run(ctx context.Context, inv *Invocation) (map[string][]byte, error) {
	workDir, err := filepath.Abs(filepath.Join(p.cfg.WorkDir, inv.RunID, inv.StepID, fmt.Sprintf("attempt-%d", inv.Attempt)))
	if err != nil {
		return nil, apperrors.StepExecutionFailed(inv.StepID, err)
	}
	inputDir := filepath.Join(workDir, "inputs")
	outputDir := filepath.Join(workDir, "outputs")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.StepExecutionFailed(inv.StepID, fmt.Errorf("preparing %s: %w", dir, err))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(inv.Inputs)) {
		if err := os.WriteFile(filepath.Join(inputDir, name), inv.Inputs[name], 0o644); err != nil {
			return nil, apperrors.StepExecutionFailed(inv.StepID, fmt.Errorf("writing input %q: %w", name, err))
		}
	}

	srcArgs, srcDir, srcEnv := inv.Args, inv.Dir, inv.Env
	expand := func(s string) string { return ExpandPaths(s, inputDir, outputDir) }
	if d := inv.declared; d != nil {
		srcArgs, srcDir, srcEnv = d.args, d.dir, d.env
		expand = func(s string) string { return expandStep(s, d.bindings, inputDir, outputDir) }
	}

	args := make([]string, len(srcArgs))
	for i, a := range srcArgs {
		args[i] = expand(a)
	}
	dir := workDir
	if srcDir != "" {
		dir = expand(srcDir)
	}
	env := []string{
		EnvRunID + "=" + inv.RunID,
		EnvStepID + "=" + inv.StepID,
		EnvWorkDir + "=" + workDir,
		EnvInputDir + "=" + inputDir,
		EnvOutputDir + "=" + outputDir,
	}
	for _, k := range slices.Sorted(maps.Keys(srcEnv)) {
		env = append(env, k+"="+expand(srcEnv[k]))
	}

	p.log.Debug("starting step process", logger.Fields(
		logger.FieldNode, inv.StepID,
		logger.FieldAttempt, inv.Attempt,
		"executable", inv.Executable,
		"dir", dir,
	))

	res, err := process.Run(ctx, process.Command{
		Binary:      inv.Executable,
		Args:        args,
		Dir:         dir,
		Env:         env,
		Stdout:      p.cfg.Stdout,
		Stderr:      p.cfg.Stderr,
		MaxOutput:   p.cfg.MaxOutput,
		GracePeriod: p.cfg.GracePeriod,
	})
	switch {
	case err != nil && res != nil && res.ExitCode > 0:
		return nil, apperrors.StepExecutionFailed(inv.StepID, fmt.Errorf("exit status %d", res.ExitCode)).
			WithDetails(map[string]any{"exit_code": res.ExitCode, "stderr": res.StderrTail(20)})
	case err != nil:
		return nil, apperrors.StepExecutionFailed(inv.StepID, err).WithDetail("stderr", res.StderrTail(20))
	}

	outputs := make(map[string][]byte, len(inv.Outputs))
	for _, name := range inv.Outputs {
		data, err := os.ReadFile(filepath.Join(outputDir, name))
		if err != nil {
			return nil, apperrors.StepExecutionFailed(inv.StepID, fmt.Errorf("declared output %q was not written: %w", name, err))
		}
		outputs[name] = data
	}
	return outputs, nil
}
