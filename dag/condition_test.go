package dag

import (
	"context"
	"math"
	"testing"

	"github.com/kbukum/condflow/artifact"
	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/storage/memory"
)

func TestOperator_Apply(t *testing.T) {
	tests := []struct {
		name string
		op   Operator
		a, b Scalar
		want bool
	}{
		{name: "gte equal", op: OpGTE, a: Number(1), b: Number(1), want: true},
		{name: "gte below", op: OpGTE, a: Number(0), b: Number(1), want: false},
		{name: "lt drift", op: OpLT, a: Number(0.55), b: Number(0.6), want: true},
		{name: "lt no drift", op: OpLT, a: Number(0.82), b: Number(0.6), want: false},
		{name: "gt", op: OpGT, a: Number(2), b: Number(1), want: true},
		{name: "lte", op: OpLTE, a: Number(1), b: Number(1), want: true},
		{name: "string eq", op: OpEQ, a: String("Approved"), b: String("Approved"), want: true},
		{name: "string lexicographic", op: OpLT, a: String("apple"), b: String("banana"), want: true},
		{name: "bool eq", op: OpEQ, a: Bool(true), b: Bool(true), want: true},
		{name: "bool as number", op: OpGTE, a: Bool(true), b: Number(1), want: true},
		{name: "false as zero", op: OpEQ, a: Bool(false), b: Number(0), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Apply(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("%s %s %s: expected %v, got %v", tt.a, tt.op.Symbol(), tt.b, tt.want, got)
			}
		})
	}
}

func TestCompare_Incomparable(t *testing.T) {
	for _, pair := range [][2]Scalar{
		{String("1"), Number(1)},
		{Bool(true), String("true")},
	} {
		_, err := Compare(pair[0], pair[1])
		assertCode(t, err, apperrors.ErrCodeIncomparableOperands)
	}
}

func TestParseOperator(t *testing.T) {
	tests := map[string]Operator{
		"gt": OpGT, ">": OpGT, "GTE": OpGTE, ">=": OpGTE,
		"lt": OpLT, "<": OpLT, "lte": OpLTE, "<=": OpLTE, "eq": OpEQ, "==": OpEQ,
	}
	for in, want := range tests {
		got, err := ParseOperator(in)
		if err != nil {
			t.Fatalf("ParseOperator(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseOperator(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseOperator("!="); err == nil {
		t.Error("expected error for unsupported operator")
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     ParamType
		in      any
		want    any
		wantErr bool
	}{
		{name: "integer from int", typ: ParamInteger, in: 3, want: int64(3)},
		{name: "integer from string", typ: ParamInteger, in: "42", want: int64(42)},
		{name: "integer from whole float", typ: ParamInteger, in: 2.0, want: int64(2)},
		{name: "integer from fraction", typ: ParamInteger, in: 2.5, wantErr: true},
		{name: "integer above int64 range", typ: ParamInteger, in: 1e19, wantErr: true},
		{name: "integer at 2^63", typ: ParamInteger, in: 9.223372036854775808e18, wantErr: true},
		{name: "integer below int64 range", typ: ParamInteger, in: -1e30, wantErr: true},
		{name: "integer at MinInt64", typ: ParamInteger, in: -9.223372036854775808e18, want: int64(math.MinInt64)},
		{name: "float from string", typ: ParamFloat, in: "0.6", want: 0.6},
		{name: "float from int", typ: ParamFloat, in: 1, want: 1.0},
		{name: "boolean from string", typ: ParamBoolean, in: "true", want: true},
		{name: "string", typ: ParamString, in: "PendingManualApproval", want: "PendingManualApproval"},
		{name: "string from number", typ: ParamString, in: 5, wantErr: true},
		{name: "unknown type", typ: "duration", in: "1s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.typ, tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestBind(t *testing.T) {
	params := []Parameter{
		{Name: "threshold", Type: ParamFloat, Default: 0.6},
		{Name: "instances", Type: ParamInteger, Default: int64(1)},
	}

	b, err := bind(params, map[string]any{"instances": "4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b["threshold"] != 0.6 || b["instances"] != int64(4) {
		t.Fatalf("unexpected bindings: %v", b)
	}
	if s, _ := b.Text("instances"); s != "4" {
		t.Errorf("expected text '4', got %q", s)
	}

	_, err = bind(params, map[string]any{"region": "eu"})
	assertCode(t, err, apperrors.ErrCodeUndeclaredParameter)

	_, err = bind(params, map[string]any{"threshold": "high"})
	assertCode(t, err, apperrors.ErrCodeInvalidParameter)
}

func TestPlaceholders(t *testing.T) {
	b := Bindings{"ConfigFileURL": "s3://bucket/config.yaml", "threshold": 0.6}

	if got := expandParams("--config-file-data={{params.ConfigFileURL}}", b); got != "--config-file-data=s3://bucket/config.yaml" {
		t.Errorf("unexpected expansion: %q", got)
	}
	if got := expandParams("{{ params.threshold }}", b); got != "0.6" {
		t.Errorf("unexpected expansion: %q", got)
	}
	if got := expandParams("{{inputs.data}}", b); got != "{{inputs.data}}" {
		t.Errorf("expected path placeholder untouched, got %q", got)
	}
	if got := ExpandPaths("{{inputs.a.out}}:{{outputs.report}}", "/in", "/out"); got != "/in/a.out:/out/report" {
		t.Errorf("unexpected path expansion: %q", got)
	}
	if got := rewriteStepRefs("x={{steps.a.outputs.out}}"); got != "x={{inputs.a.out}}" {
		t.Errorf("unexpected rewrite: %q", got)
	}

	if name, ok := paramOnly(" {{params.threshold}} "); !ok || name != "threshold" {
		t.Errorf("expected single parameter, got %q %v", name, ok)
	}
	if _, ok := paramOnly("x{{params.threshold}}"); ok {
		t.Error("expected mixed text to be rejected")
	}
	if _, err := scanPlaceholders("{{env.HOME}}"); err == nil {
		t.Error("expected error for unknown namespace")
	}
	if _, err := scanPlaceholders("{{steps.a.out}}"); err == nil {
		t.Error("expected error for malformed step reference")
	}
}

func TestExtractScalar(t *testing.T) {
	report := []byte(`{
		"f1_score": 0.55,
		"drifted": true,
		"status": "ok",
		"metrics": {"regression": {"mse": {"value": 1.5}}},
		"features": [{"name": "distance"}],
		"nothing": null
	}`)

	tests := []struct {
		path string
		want Scalar
		code apperrors.ErrorCode
	}{
		{path: "f1_score", want: Number(0.55)},
		{path: "drifted", want: Bool(true)},
		{path: "status", want: String("ok")},
		{path: "metrics.regression.mse.value", want: Number(1.5)},
		{path: "features.0.name", want: String("distance")},
		{path: "metrics.regression", code: apperrors.ErrCodeFieldNotFound},
		{path: "missing", code: apperrors.ErrCodeFieldNotFound},
		{path: "nothing", code: apperrors.ErrCodeFieldNotFound},
		{path: "features.5.name", code: apperrors.ErrCodeFieldNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ExtractScalar(report, tt.path)
			if tt.code != "" {
				assertCode(t, err, tt.code)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}

	_, err := ExtractScalar([]byte(`{"f1_score": `), "f1_score")
	assertCode(t, err, apperrors.ErrCodeMalformedReport)
}

func newTestStore(t *testing.T, blobs map[artifact.Key]string) *artifact.Store {
	t.Helper()
	store := artifact.NewStore(memory.NewStorage(), "run-test")
	for k, v := range blobs {
		if _, err := store.Put(context.Background(), k, []byte(v)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return store
}

func TestPropertyFileReader(t *testing.T) {
	key := artifact.Key{StepID: "CalculateModelDrift", Output: "evaluation3"}
	bad := artifact.Key{StepID: "Broken", Output: "report"}
	reader := NewPropertyFileReader(newTestStore(t, map[artifact.Key]string{
		key: `{"f1_score": 0.55}`,
		bad: `not json`,
	}))
	ctx := context.Background()

	got, err := reader.Read(ctx, PropertyFile{StepID: key.StepID, Output: key.Output, Path: "f1_score"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Number(0.55) {
		t.Fatalf("expected 0.55, got %s", got)
	}

	_, err = reader.Read(ctx, PropertyFile{StepID: bad.StepID, Output: bad.Output, Path: "x"})
	assertCode(t, err, apperrors.ErrCodeMalformedReport)
	if appErr, _ := apperrors.AsAppError(err); appErr.Details["step"] != "Broken" {
		t.Errorf("expected step detail, got %v", appErr.Details)
	}

	_, err = reader.Read(ctx, PropertyFile{StepID: key.StepID, Output: key.Output, Path: "accuracy"})
	assertCode(t, err, apperrors.ErrCodeFieldNotFound)

	_, err = reader.Read(ctx, PropertyFile{StepID: "Nope", Output: "report", Path: "x"})
	assertCode(t, err, apperrors.ErrCodeArtifactNotFound)
}

func TestConditionEvaluator(t *testing.T) {
	store := newTestStore(t, map[artifact.Key]string{
		{StepID: "day", Output: "report"}:   `{"IsFirstDayOfWeek": 1}`,
		{StepID: "drift", Output: "report"}: `{"f1_score": 0.55, "label": "x"}`,
	})
	ev := NewConditionEvaluator(NewPropertyFileReader(store), Bindings{"threshold": 0.6})
	ctx := context.Background()

	firstDay := when("day", "report", "IsFirstDayOfWeek", OpGTE, Literal(Number(1)))
	drifted := when("drift", "report", "f1_score", OpLT, Param("threshold"))
	notDrifted := when("drift", "report", "f1_score", OpGTE, Param("threshold"))
	missing := when("drift", "report", "accuracy", OpGT, Literal(Number(0)))

	res, err := ev.Evaluate(ctx, []Condition{firstDay, drifted})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Result || res.Branch() != BranchIf || len(res.Checks) != 2 {
		t.Fatalf("unexpected evaluation: %+v", res)
	}

	// The first false condition stops evaluation before the missing field is read.
	res, err = ev.Evaluate(ctx, []Condition{notDrifted, missing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Result || res.Branch() != BranchElse || len(res.Checks) != 1 {
		t.Fatalf("unexpected evaluation: %+v", res)
	}

	again, err := ev.Evaluate(ctx, []Condition{notDrifted, missing})
	if err != nil || again.Result != res.Result {
		t.Fatalf("evaluation is not repeatable: %+v %v", again, err)
	}

	_, err = ev.Evaluate(ctx, []Condition{firstDay, missing})
	assertCode(t, err, apperrors.ErrCodeFieldNotFound)

	_, err = ev.Evaluate(ctx, []Condition{when("drift", "report", "label", OpGT, Literal(Number(1)))})
	assertCode(t, err, apperrors.ErrCodeIncomparableOperands)
	if appErr, _ := apperrors.AsAppError(err); appErr.Details["condition"] == nil {
		t.Errorf("expected condition detail, got %v", appErr.Details)
	}
}
