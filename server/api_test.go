package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/condflow/dag"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/observability"
	"github.com/kbukum/condflow/server/endpoint"
)

const driftReport = `{"f1_score": %s}`

func driftGraph(t *testing.T) *dag.Graph {
	t.Helper()
	g, err := dag.Build("model-drift",
		[]dag.Parameter{{Name: "threshold", Type: dag.ParamFloat, Default: 0.6}},
		&dag.Step{ID: "CalculateModelDrift", Run: "drift", Outputs: []string{"evaluation3"}},
		&dag.ConditionStep{
			ID: "CheckIfModelDrifted",
			Conditions: []dag.Condition{{
				Left:  dag.PropertyFile{StepID: "CalculateModelDrift", Output: "evaluation3", Path: "f1_score"},
				Op:    dag.OpLT,
				Right: dag.Param("threshold"),
			}},
			If:   []dag.Node{&dag.Step{ID: "ModelRetrainingForModelDrift", Run: "retrain"}},
			Else: []dag.Node{&dag.Step{ID: "ModelDriftNotDetected", Run: "noop"}},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

// testServer wires the API behind the full middleware stack. release gates
// the drift step so tests can observe a running run.
func testServer(t *testing.T) (http.Handler, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	runner := dag.RunnerFunc(func(ctx context.Context, inv *dag.Invocation) (map[string][]byte, error) {
		if inv.StepID == "CalculateModelDrift" {
			<-release
			return map[string][]byte{"evaluation3": []byte(strings.Replace(driftReport, "%s", "0.55", 1))}, nil
		}
		return map[string][]byte{}, nil
	})

	cfg := Config{}
	cfg.ApplyDefaults()
	srv := New(cfg, logger.NewNop())
	api, err := NewAPI(dag.NewExecutor(runner), NewRunRegistry(time.Hour), logger.NewNop(), driftGraph(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	api.Register(srv.GinEngine())
	srv.GinEngine().GET("/health", endpoint.Health("condflow", "test", observability.HealthCheckFunc{
		Name:  "storage",
		Probe: func(context.Context) error { return nil },
	}))
	return srv.Handler(), release
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s: invalid JSON %q: %v", method, path, rr.Body.String(), err)
	}
	return rr, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAPI_Pipelines(t *testing.T) {
	h, release := testServer(t)
	close(release)

	rr, body := do(t, h, http.MethodGet, "/api/v1/pipelines", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	list := body["data"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "model-drift" {
		t.Fatalf("unexpected listing: %v", list)
	}
	if list[0].(map[string]any)["nodes"].(float64) != 4 {
		t.Errorf("expected 4 nodes, got %v", list[0])
	}

	rr, body = do(t, h, http.MethodGet, "/api/v1/pipelines/model-drift", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	nodes := body["data"].(map[string]any)["nodes"].([]any)
	cond := nodes[1].(map[string]any)
	if cond["kind"] != "condition" || len(cond["if"].([]any)) != 1 {
		t.Errorf("unexpected condition node: %v", cond)
	}

	rr, body = do(t, h, http.MethodGet, "/api/v1/pipelines/unknown", "")
	if rr.Code != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND 404, got %d %v", rr.Code, body)
	}
}

func TestAPI_StartRunErrors(t *testing.T) {
	h, release := testServer(t)
	close(release)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"undeclared parameter", `{"parameters": {"color": "red"}}`, http.StatusUnprocessableEntity, "UNDECLARED_PARAMETER"},
		{"wrong type", `{"parameters": {"threshold": "high"}}`, http.StatusBadRequest, "INVALID_PARAMETER"},
		{"malformed body", `{"parameters": `, http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid parameter name", `{"parameters": {"bad name": 1}}`, http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := do(t, h, http.MethodPost, "/api/v1/pipelines/model-drift/runs", tt.body)
			if rr.Code != tt.status || errorCode(body) != tt.code {
				t.Fatalf("expected %d %s, got %d %v", tt.status, tt.code, rr.Code, body)
			}
		})
	}
}

func waitForRun(t *testing.T, h http.Handler, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := do(t, h, http.MethodGet, "/api/v1/runs/"+id, "")
		snap := body["data"].(map[string]any)
		if snap["state"] == string(dag.RunFinished) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestAPI_RunLifecycle(t *testing.T) {
	h, release := testServer(t)

	rr, body := do(t, h, http.MethodPost, "/api/v1/pipelines/model-drift/runs", `{"parameters": {"threshold": 0.7}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rr.Code, body)
	}
	id := body["data"].(map[string]any)["run_id"].(string)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("expected a request id header")
	}

	_, body = do(t, h, http.MethodGet, "/api/v1/runs/"+id, "")
	if state := body["data"].(map[string]any)["state"]; state != string(dag.RunRunning) {
		t.Errorf("expected running, got %v", state)
	}

	close(release)
	snap := waitForRun(t, h, id)
	if snap["outcome"] != string(dag.OutcomeSucceeded) {
		t.Fatalf("expected succeeded, got %v", snap)
	}
	cond := snap["conditions"].([]any)[0].(map[string]any)
	if cond["branch"] != string(dag.BranchIf) {
		t.Errorf("expected if branch for f1 0.55 < 0.7, got %v", cond)
	}

	rr, body = do(t, h, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), "")
	if rr.Code != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/api/v1/runs/nope", "")
	if rr.Code != http.StatusBadRequest || errorCode(body) != "INVALID_INPUT" {
		t.Fatalf("expected INVALID_INPUT for a malformed id, got %d %v", rr.Code, body)
	}
}

func TestAPI_CancelRun(t *testing.T) {
	h, release := testServer(t)

	_, body := do(t, h, http.MethodPost, "/api/v1/pipelines/model-drift/runs", "")
	id := body["data"].(map[string]any)["run_id"].(string)

	rr, _ := do(t, h, http.MethodPost, "/api/v1/runs/"+id+"/cancel", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	close(release)

	snap := waitForRun(t, h, id)
	if snap["outcome"] != string(dag.OutcomeCancelled) {
		t.Fatalf("expected cancelled, got %v", snap["outcome"])
	}
}

func TestHealth(t *testing.T) {
	h, release := testServer(t)
	close(release)

	rr, body := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != string(observability.HealthStatusUp) {
		t.Fatalf("expected healthy, got %d %v", rr.Code, body)
	}
}

func TestRoutes(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	srv := New(cfg, logger.NewNop())
	api, err := NewAPI(dag.NewExecutor(dag.RunnerFunc(nil)), NewRunRegistry(time.Minute), logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	api.Register(srv.GinEngine())
	srv.GinEngine().GET("/health", endpoint.Health("condflow", "test"))

	routes := srv.Routes()
	if len(routes) != 6 {
		t.Fatalf("expected 6 routes, got %v", routes)
	}
	if routes[0].Path != "/api/v1/pipelines" || routes[len(routes)-1].Path != "/health" {
		t.Errorf("unexpected order: %v", routes)
	}
	if routes[0].Handler != "API.listPipelines" {
		t.Errorf("unexpected handler name %q", routes[0].Handler)
	}
}

func TestNewAPI_DuplicatePipeline(t *testing.T) {
	g := driftGraph(t)
	if _, err := NewAPI(nil, NewRunRegistry(time.Minute), logger.NewNop(), g, g); err == nil {
		t.Fatal("expected error for duplicate pipeline")
	}
}
