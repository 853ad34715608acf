package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const driftPipeline = `
name: model-drift
parameters:
  - {name: threshold, type: float, default: 0.6}
nodes:
  - id: CalculateModelDrift
    run: sh
    args: [-c, 'printf "{\"f1_score\": 0.55}" > "$1"', sh, "{{outputs.evaluation3}}"]
    outputs: [evaluation3]
  - id: CheckIfModelDrifted
    type: condition
    conditions:
      - left: {step: CalculateModelDrift, output: evaluation3, path: f1_score}
        op: lt
        right: "{{params.threshold}}"
    if:
      - id: ModelRetrainingForModelDrift
        run: sh
        args: [-c, "true"]
    else:
      - id: ModelDriftNotDetected
        run: sh
        args: [-c, "true"]
`

const failingPipeline = `
name: broken
nodes:
  - id: Explode
    run: sh
    args: [-c, "exit 3"]
`

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{dir: dir, config: filepath.Join(dir, "condflow.yml")}
	writeTestFile(t, f.config, `
environment: production
logging: {level: error}
storage: {provider: memory}
cache: {provider: none}
executor: {work_dir: `+filepath.Join(dir, "work")+`}
pipelines: [`+filepath.Join(dir, "pipelines")+`]
`)
	if err := os.MkdirAll(filepath.Join(dir, "pipelines"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	writeTestFile(t, filepath.Join(dir, "pipelines", "model-drift.yml"), driftPipeline)
	writeTestFile(t, filepath.Join(dir, "broken.yml"), failingPipeline)
	return f
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "validate", "--config", f.config, filepath.Join(f.dir, "pipelines", "model-drift.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"model-drift (4 nodes)", "? CheckIfModelDrifted", "if:", "- ModelDriftNotDetected: sh"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	t.Run("by name from pipeline directories", func(t *testing.T) {
		out, err := execute(t, "validate", "-q", "--config", f.config, "model-drift")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.TrimSpace(out) != "model-drift: ok" {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("invalid definition", func(t *testing.T) {
		bad := filepath.Join(f.dir, "bad.yml")
		writeTestFile(t, bad, "name: bad\nnodes:\n  - id: A\n    run: sh\n    inputs: [{name: x, from: Missing.out}]\n")
		if _, err := execute(t, "validate", "--config", f.config, bad); err == nil {
			t.Fatal("expected error for dangling reference")
		}
	})
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		params []string
		ran    string
	}{
		{"default threshold takes if branch", nil, "ModelRetrainingForModelDrift"},
		{"lower threshold takes else branch", []string{"--param", "threshold=0.5"}, "ModelDriftNotDetected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--config", f.config, "model-drift"}, tt.params...)
			out, err := execute(t, args...)
			if err != nil {
				t.Fatalf("unexpected error: %v\n%s", err, out)
			}
			if !strings.Contains(out, "model-drift: succeeded") {
				t.Errorf("expected success line, got:\n%s", out)
			}
			if !strings.Contains(out, tt.ran) {
				t.Errorf("expected %s in output:\n%s", tt.ran, out)
			}
		})
	}
}

func TestRunCommand_JSON(t *testing.T) {
	f := newFixture(t)

	out, err := execute(t, "run", "--config", f.config, "-o", "json", "model-drift")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var snap struct {
		Outcome    string `json:"outcome"`
		Conditions []struct {
			ID     string `json:"id"`
			Branch string `json:"branch"`
		} `json:"conditions"`
	}
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if snap.Outcome != "succeeded" || len(snap.Conditions) != 1 || snap.Conditions[0].Branch != "if" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestRunCommand_Failures(t *testing.T) {
	f := newFixture(t)

	t.Run("failed step", func(t *testing.T) {
		out, err := execute(t, "run", "--config", f.config, filepath.Join(f.dir, "broken.yml"))
		if !errors.Is(err, errRunFailed) {
			t.Fatalf("expected errRunFailed, got %v", err)
		}
		if !strings.Contains(out, "broken: failed") {
			t.Errorf("expected failed outcome, got:\n%s", out)
		}
	})

	tests := []struct {
		name string
		args []string
	}{
		{"undeclared parameter", []string{"--param", "color=red"}},
		{"malformed parameter", []string{"--param", "threshold"}},
		{"wrong parameter type", []string{"--param", "threshold=high"}},
		{"unknown output format", []string{"-o", "yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--config", f.config, "model-drift"}, tt.args...)
			_, err := execute(t, args...)
			if err == nil || errors.Is(err, errRunFailed) {
				t.Fatalf("expected a usage error, got %v", err)
			}
		})
	}

	t.Run("missing pipeline", func(t *testing.T) {
		if _, err := execute(t, "run", "--config", f.config, "nope"); err == nil {
			t.Fatal("expected error for unknown pipeline")
		}
	})
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["a"] != "1" || got["b"] != "x=y" || got["c"] != "" {
		t.Errorf("unexpected overrides: %v", got)
	}
	if _, err := parseParams([]string{"=1"}); err == nil {
		t.Error("expected error for empty name")
	}
}
