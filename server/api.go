package server

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/condflow/dag"
	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/validation"
)

// API exposes pipelines and runs over HTTP.
type API struct {
	pipelines map[string]*dag.Graph
	executor  *dag.Executor
	runs      *RunRegistry
	log       *logger.Logger
}

// NewAPI creates the run API. Pipelines are addressed by their name.
func NewAPI(exec *dag.Executor, runs *RunRegistry, log *logger.Logger, graphs ...*dag.Graph) (*API, error) {
	a := &API{
		pipelines: make(map[string]*dag.Graph, len(graphs)),
		executor:  exec,
		runs:      runs,
		log:       log.WithComponent("api"),
	}
	for _, g := range graphs {
		if _, dup := a.pipelines[g.Name()]; dup {
			return nil, apperrors.InvalidDefinition("pipeline " + g.Name() + " is registered twice")
		}
		a.pipelines[g.Name()] = g
	}
	return a, nil
}

// Register mounts the API routes on r.
func (a *API) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.GET("/pipelines", a.listPipelines)
	v1.GET("/pipelines/:name", a.getPipeline)
	v1.POST("/pipelines/:name/runs", a.startRun)
	v1.GET("/runs/:id", a.getRun)
	v1.POST("/runs/:id/cancel", a.cancelRun)
}

// PipelineSummary is the listing form of a pipeline.
type PipelineSummary struct {
	Name       string          `json:"name"`
	Parameters []dag.Parameter `json:"parameters"`
	Nodes      int             `json:"nodes"`
}

// PipelineDetail is a pipeline with its node tree.
type PipelineDetail struct {
	Name       string          `json:"name"`
	Parameters []dag.Parameter `json:"parameters"`
	Nodes      []dag.TreeNode  `json:"nodes"`
}

// StartRunRequest is the body of POST /pipelines/:name/runs.
type StartRunRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (a *API) listPipelines(c *gin.Context) {
	names := make([]string, 0, len(a.pipelines))
	for name := range a.pipelines {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]PipelineSummary, 0, len(names))
	for _, name := range names {
		g := a.pipelines[name]
		out = append(out, PipelineSummary{Name: name, Parameters: g.Parameters(), Nodes: g.Len()})
	}
	RespondOK(c, out)
}

func (a *API) pipeline(c *gin.Context) (*dag.Graph, bool) {
	name := c.Param("name")
	g, ok := a.pipelines[name]
	if !ok {
		RespondWithError(c, apperrors.NotFound("pipeline", name))
	}
	return g, ok
}

func (a *API) getPipeline(c *gin.Context) {
	g, ok := a.pipeline(c)
	if !ok {
		return
	}
	RespondOK(c, PipelineDetail{Name: g.Name(), Parameters: g.Parameters(), Nodes: g.Tree()})
}

func (a *API) startRun(c *gin.Context) {
	g, ok := a.pipeline(c)
	if !ok {
		return
	}
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(c, apperrors.InvalidInput("body", strings.TrimSpace(err.Error())))
		return
	}
	v := validation.New()
	for _, name := range slices.Sorted(maps.Keys(req.Parameters)) {
		v.NodeID("parameters."+name, name)
	}
	if err := v.Validate(); err != nil {
		RespondWithError(c, err)
		return
	}

	// The run outlives the request.
	run, err := a.executor.Start(context.WithoutCancel(c.Request.Context()), g, req.Parameters)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	a.runs.Add(run)
	a.log.Info("run started", logger.Fields(
		logger.FieldRunID, run.ID(),
		"pipeline", g.Name(),
		"request_id", c.GetHeader("X-Request-Id"),
	))
	RespondAccepted(c, run.Snapshot())
}

func (a *API) run(c *gin.Context) (*dag.Run, bool) {
	id := c.Param("id")
	if err := validation.New().RequiredUUID("id", id).Validate(); err != nil {
		RespondWithError(c, err)
		return nil, false
	}
	run, ok := a.runs.Get(id)
	if !ok {
		RespondWithError(c, apperrors.NotFound("run", id))
	}
	return run, ok
}

func (a *API) getRun(c *gin.Context) {
	if run, ok := a.run(c); ok {
		RespondOK(c, run.Snapshot())
	}
}

func (a *API) cancelRun(c *gin.Context) {
	run, ok := a.run(c)
	if !ok {
		return
	}
	run.Cancel()
	a.log.Info("run cancellation requested", logger.Fields(logger.FieldRunID, run.ID()))
	RespondAccepted(c, run.Snapshot())
}
