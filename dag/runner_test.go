package dag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/logger"
)

func newTestProcessRunner(t *testing.T) (*ProcessRunner, string) {
	t.Helper()
	dir := t.TempDir()
	return NewProcessRunner(ProcessConfig{WorkDir: dir, GracePeriod: 100 * time.Millisecond}, logger.NewNop()), dir
}

func TestProcessRunner_InputsAndOutputs(t *testing.T) {
	runner, dir := newTestProcessRunner(t)

	outputs, err := runner.Run(context.Background(), &Invocation{
		RunID:      "run-1",
		StepID:     "upper",
		Attempt:    1,
		Executable: "sh",
		Args:       []string{"-c", `tr a-z A-Z < "$1" > "$2"; echo "$CONDFLOW_STEP_ID" > "$CONDFLOW_OUTPUT_DIR/who"`, "sh", "{{inputs.text}}", "{{outputs.upper}}"},
		Inputs:     map[string][]byte{"text": []byte("hello")},
		Outputs:    []string{"upper", "who"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(string(outputs["upper"])); got != "HELLO" {
		t.Errorf("expected HELLO, got %q", got)
	}
	if got := strings.TrimSpace(string(outputs["who"])); got != "upper" {
		t.Errorf("expected step id in environment, got %q", got)
	}

	input := filepath.Join(dir, "run-1", "upper", "attempt-1", "inputs", "text")
	if _, err := os.Stat(input); err != nil {
		t.Errorf("expected materialized input at %s: %v", input, err)
	}
}

func TestProcessRunner_EnvPlaceholders(t *testing.T) {
	runner, _ := newTestProcessRunner(t)

	outputs, err := runner.Run(context.Background(), &Invocation{
		RunID:      "run-1",
		StepID:     "env",
		Attempt:    1,
		Executable: "sh",
		Args:       []string{"-c", `echo "$REGION" > "$TARGET"`},
		Env:        map[string]string{"REGION": "us-east-2", "TARGET": "{{outputs.region}}"},
		Outputs:    []string{"region"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(string(outputs["region"])); got != "us-east-2" {
		t.Errorf("expected us-east-2, got %q", got)
	}
}

func TestProcessRunner_Failures(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		outputs  []string
		contains string
	}{
		{name: "non-zero exit", args: []string{"-c", "echo broken >&2; exit 3"}, contains: "exit status 3"},
		{name: "missing output", args: []string{"-c", "true"}, outputs: []string{"report"}, contains: `"report" was not written`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, _ := newTestProcessRunner(t)
			_, err := runner.Run(context.Background(), &Invocation{
				RunID: "run-1", StepID: "bad", Attempt: 1,
				Executable: "sh", Args: tt.args, Outputs: tt.outputs,
			})
			assertCode(t, err, apperrors.ErrCodeStepExecutionFailed)
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected %q in %v", tt.contains, err)
			}
		})
	}
}

func TestProcessRunner_StderrDetail(t *testing.T) {
	runner, _ := newTestProcessRunner(t)
	_, err := runner.Run(context.Background(), &Invocation{
		RunID: "run-1", StepID: "bad", Attempt: 1,
		Executable: "sh", Args: []string{"-c", "echo 'no such table' >&2; exit 1"},
	})
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Details["exit_code"] != 1 {
		t.Errorf("expected exit_code 1, got %v", appErr.Details["exit_code"])
	}
	if s, _ := appErr.Details["stderr"].(string); !strings.Contains(s, "no such table") {
		t.Errorf("expected stderr tail, got %q", s)
	}
}

func TestProcessRunner_InExecutor(t *testing.T) {
	g, err := Build("shell", []Parameter{{Name: "greeting", Type: ParamString, Default: "hi"}},
		&Step{ID: "write", Run: "sh", Args: []string{"-c", `printf '{"score": 0.9, "msg": "%s"}' "$2" > "$1"`, "sh", "{{outputs.report}}", "{{params.greeting}}"}, Outputs: []string{"report"}},
		branch("good", when("write", "report", "score", OpGTE, Literal(Number(0.8))),
			nodes(&Step{ID: "copy", Run: "sh", Args: []string{"-c", `cp "$1" "$2"`, "sh", "{{steps.write.outputs.report}}", "{{outputs.copy}}"}, Outputs: []string{"copy"}}),
			nil),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runner, _ := newTestProcessRunner(t)

	run, err := NewExecutor(runner).Start(context.Background(), g, map[string]any{"greeting": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s: %s", res.Outcome, res.Error)
	}
	n, _ := res.Node("copy")
	data, err := run.Artifacts().Get(context.Background(), n.Outputs["copy"].Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"msg": "hello"`) {
		t.Errorf("unexpected copied report: %s", data)
	}
}

func TestProcessRunner_ParameterValuesAreLiteral(t *testing.T) {
	g, err := Build("literal", []Parameter{{Name: "label", Type: ParamString, Default: "plain"}},
		&Step{
			ID:      "echo",
			Run:     "sh",
			Args:    []string{"-c", `printf '%s|%s' "$2" "$LABEL" > "$1"`, "sh", "{{outputs.out}}", "{{params.label}}"},
			Env:     map[string]string{"LABEL": "{{params.label}}"},
			Outputs: []string{"out"},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runner, _ := newTestProcessRunner(t)

	run, err := NewExecutor(runner).Start(context.Background(), g, map[string]any{"label": "{{outputs.out}}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s: %s", res.Outcome, res.Error)
	}
	n, _ := res.Node("echo")
	data, err := run.Artifacts().Get(context.Background(), n.Outputs["out"].Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(data); got != "{{outputs.out}}|{{outputs.out}}" {
		t.Errorf("expected the parameter value verbatim in args and env, got %q", got)
	}
}
