package dag

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	apperrors "github.com/kbukum/condflow/errors"
)

const driftYAML = `
name: model-drift
parameters:
  - {name: threshold, type: float, default: 0.6}
nodes:
  - id: CalculateModelDrift
    run: python3
    args: [calculate_model_drift.py, --threshold, "{{params.threshold}}"]
    outputs: [evaluation3]
    cache: {enabled: true, ttl: 1h}
    retry: {max_attempts: 3, backoff: 2s}
    timeout: 5m
  - id: CheckIfModelDrifted
    type: condition
    conditions:
      - left: {step: CalculateModelDrift, output: evaluation3, path: f1_score}
        op: "<"
        right: "{{params.threshold}}"
    if:
      - id: ModelRetrainingForModelDrift
        run: python3
        inputs: [{name: report, from: CalculateModelDrift.evaluation3}]
    else:
      - id: ModelDriftNotDetected
        run: python3
`

func TestParseDefinition(t *testing.T) {
	d, err := ParseDefinition([]byte(driftYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := d.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, _ := g.Node("CalculateModelDrift")
	s := n.(*Step)
	if !s.Cache.Enabled || s.Cache.TTL != time.Hour {
		t.Errorf("unexpected cache policy: %+v", s.Cache)
	}
	if s.Retry == nil || s.Retry.MaxAttempts != 3 || s.Retry.Backoff != 2*time.Second {
		t.Errorf("unexpected retry policy: %+v", s.Retry)
	}
	if s.Timeout != 5*time.Minute {
		t.Errorf("unexpected timeout: %s", s.Timeout)
	}

	n, _ = g.Node("CheckIfModelDrifted")
	c := n.(*ConditionStep)
	if c.Conditions[0].Op != OpLT || c.Conditions[0].Right.Param != "threshold" {
		t.Errorf("unexpected condition: %+v", c.Conditions[0])
	}
	if got := g.Children("CheckIfModelDrifted", BranchElse); !slices.Equal(got, []string{"ModelDriftNotDetected"}) {
		t.Errorf("unexpected else branch: %v", got)
	}
}

func TestParseDefinition_UnknownField(t *testing.T) {
	_, err := ParseDefinition([]byte("name: x\nmode: batch\nnodes: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDefinition_BuildErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want apperrors.ErrorCode
	}{
		{
			name: "dangling result2",
			yaml: `
name: p
nodes:
  - {id: PreviousDataUpdation, run: sh, outputs: [result1]}
  - id: FetchStreaming
    run: sh
    inputs: [{name: r, from: PreviousDataUpdation.result2}]
`,
			want: apperrors.ErrCodeDanglingReference,
		},
		{
			name: "missing name",
			yaml: "nodes:\n  - {id: a, run: sh}\n",
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "unknown node type",
			yaml: "name: p\nnodes:\n  - {id: a, type: loop, run: sh}\n",
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "branches on a step",
			yaml: "name: p\nnodes:\n  - {id: a, run: sh, if: [{id: b, run: sh}]}\n",
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "outputs on a condition",
			yaml: `
name: p
nodes:
  - {id: a, run: sh, outputs: [r]}
  - id: c
    type: condition
    outputs: [x]
    conditions: [{left: {step: a, output: r, path: x}, op: eq, right: 1}]
`,
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "bad input reference",
			yaml: "name: p\nnodes:\n  - {id: a, run: sh, inputs: [{name: x, from: nodot}]}\n",
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "unknown operator",
			yaml: `
name: p
nodes:
  - {id: a, run: sh, outputs: [r]}
  - id: c
    type: condition
    conditions: [{left: {step: a, output: r, path: x}, op: "!=", right: 1}]
`,
			want: apperrors.ErrCodeInvalidDefinition,
		},
		{
			name: "zero retry attempts",
			yaml: "name: p\nnodes:\n  - {id: a, run: sh, retry: {max_attempts: 0}}\n",
			want: apperrors.ErrCodeInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDefinition([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err = d.Build()
			assertCode(t, err, tt.want)
		})
	}
}

func TestGraph_DefinitionRoundTrip(t *testing.T) {
	d, err := ParseDefinition([]byte(driftYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := d.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := g.Definition().Build()
	if err != nil {
		t.Fatalf("rebuilding from the graph definition: %v", err)
	}
	if !slices.Equal(again.Order(), g.Order()) {
		t.Fatalf("expected %v, got %v", g.Order(), again.Order())
	}
	c, _ := again.Node("CheckIfModelDrifted")
	if c.(*ConditionStep).Conditions[0].Right.Param != "threshold" {
		t.Error("parameter operand lost in round trip")
	}
}

func TestFileDefinitionLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "drift"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "drift", "model-drift.yaml"), []byte(driftYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewFileDefinitionLoader(t.TempDir(), dir)
	d, err := loader.Load("model-drift")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Name != "model-drift" {
		t.Fatalf("expected 'model-drift', got %q", d.Name)
	}

	if _, err := loader.Load("missing"); err == nil {
		t.Fatal("expected error for missing pipeline")
	}
}

func TestLoadGraph_TruckETAExample(t *testing.T) {
	g, err := LoadGraph(filepath.Join("..", "examples", "truck-eta", "pipeline.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.TopLevel(); len(got) != 5 {
		t.Fatalf("expected 5 top-level nodes, got %v", got)
	}

	p, ok := g.Owner("ModelRetrainingForModelDrift")
	if !ok || p.Owner != "CheckIfModelDrifted" || p.Depth != 3 {
		t.Fatalf("unexpected placement: %+v", p)
	}
	if deps := g.Dependencies("CheckIfModelDrifted"); !slices.Equal(deps, []string{"CalculateModelDrift"}) {
		t.Errorf("unexpected dependencies: %v", deps)
	}
	if _, ok := g.Parameter("ModelDriftThreshold"); !ok {
		t.Error("expected ModelDriftThreshold parameter")
	}
}

func TestWriteTree(t *testing.T) {
	d, err := ParseDefinition([]byte(driftYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := d.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf strings.Builder
	if err := WriteTree(&buf, g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"model-drift (4 nodes)",
		"- CalculateModelDrift: python3 -> evaluation3",
		"? CheckIfModelDrifted [CalculateModelDrift.evaluation3[f1_score] < {{params.threshold}}]",
		"      - ModelDriftNotDetected: python3",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in:\n%s", want, buf.String())
		}
	}

	tree := g.Tree()
	if len(tree) != 2 || len(tree[1].If) != 1 || tree[1].If[0].Inputs[0] != "report=CalculateModelDrift.evaluation3" {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}
