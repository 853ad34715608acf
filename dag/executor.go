package dag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/condflow/artifact"
	"github.com/kbukum/condflow/cache"
	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/observability"
	"github.com/kbukum/condflow/storage"
	"github.com/kbukum/condflow/storage/memory"
)

// DefaultCacheTTL applies to cached steps that declare no TTL.
const DefaultCacheTTL = time.Hour

// Executor runs graphs. One Executor can run many graphs concurrently.
type Executor struct {
	runner         Runner
	backend        storage.Storage
	cache          cache.Cache
	cacheTTL       time.Duration
	log            *logger.Logger
	metrics        *observability.Metrics
	maxParallel    int
	defaultTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithStorage sets the artifact backend. The default is in-memory.
func WithStorage(s storage.Storage) Option {
	return func(e *Executor) { e.backend = s }
}

// WithCache enables step result caching. A nil cache disables it.
func WithCache(c cache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithCacheTTL sets the TTL for cached steps that declare none.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Executor) { e.cacheTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics records node, cache and branch metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMaxParallel caps the number of nodes in flight per run. 0 = unlimited.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

// WithDefaultTimeout bounds each attempt of steps that declare no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// NewExecutor creates an Executor that invokes steps through runner.
func NewExecutor(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:   runner,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		e.backend = memory.NewStorage()
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	return e
}

// Start binds parameters and launches a run in the background. Cancelling
// ctx cancels the run the same way Run.Cancel does.
func (e *Executor) Start(ctx context.Context, g *Graph, overrides map[string]any) (*Run, error) {
	if g == nil {
		return nil, apperrors.InvalidInput("graph", "graph is nil")
	}
	if e.runner == nil {
		return nil, apperrors.InvalidInput("runner", "executor has no runner")
	}
	bindings, err := bind(g.params, overrides)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	run := newRun(id, g, bindings, artifact.NewStore(e.backend, id))
	x := &execution{
		exec:     e,
		run:      run,
		graph:    g,
		resolver: NewReferenceResolver(run),
		log:      e.log.WithComponent("executor").WithRun(g.Name(), id),
		events:   make(chan event),
	}
	x.stopCtx, x.stop = context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		select {
		case <-ctx.Done():
			run.Cancel()
		case <-run.done:
		}
	}()
	go x.loop(context.WithoutCancel(ctx))
	return run, nil
}

// Execute runs g to completion. The returned error is the one that ended
// the run; the Result is always returned once the run has started.
func (e *Executor) Execute(ctx context.Context, g *Graph, overrides map[string]any) (*Result, error) {
	run, err := e.Start(ctx, g, overrides)
	if err != nil {
		return nil, err
	}
	<-run.Done()
	res := run.Result()
	return res, res.Err
}

// event reports a finished worker to the coordinator.
type event struct {
	id   string
	step *stepOutcome
	eval *evalOutcome
}

type evalOutcome struct {
	evaluation Evaluation
	err        error
	duration   time.Duration
}

// execution is the coordinator state of one run. Only the loop goroutine
// touches its fields; node and condition records are shared with readers
// through run.mu.
type execution struct {
	exec     *Executor
	run      *Run
	graph    *Graph
	resolver *ReferenceResolver
	log      *logger.Logger
	events   chan event

	// stopCtx is cancelled on halt or cancel; it ends pending retries.
	stopCtx context.Context
	stop    context.CancelFunc

	inflight int
	halted   bool
	haltErr  error
	// absorbing holds best-effort conditions that swallowed a failure.
	absorbing map[string]bool
	spans     map[string]trace.Span
}

func (x *execution) loop(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, observability.SpanRun, trace.WithAttributes(
		attribute.String(observability.AttrPipeline, x.graph.Name()),
		attribute.String(observability.AttrRunID, x.run.id),
	))
	x.spans = make(map[string]trace.Span)
	x.absorbing = make(map[string]bool)
	x.exec.metrics.RecordRunStart(ctx, x.graph.Name())
	x.log.Info("run started", logger.Fields("nodes", x.graph.Len(), "parameters", len(x.run.bindings)))

	x.run.mutate(func() {
		for _, id := range x.graph.top {
			x.instantiate(id)
		}
	})

	cancel := x.run.cancel
	for {
		if !x.halted {
			x.schedule(ctx)
		}
		if x.inflight == 0 {
			break
		}
		select {
		case ev := <-x.events:
			x.inflight--
			x.handle(ctx, ev)
		case <-cancel:
			cancel = nil
			x.log.Warn("run cancellation requested", logger.Fields("in_flight", x.inflight))
			x.halt(apperrors.Cancelled(x.run.id))
		}
	}

	res := x.finish(ctx)
	x.stop()

	span.SetAttributes(attribute.String(observability.AttrOutcome, string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

// instantiate adds id to the run as pending. Caller holds run.mu.
func (x *execution) instantiate(id string) {
	n := x.graph.nodes[id]
	x.run.nodes[id] = &NodeResult{ID: id, Kind: n.NodeKind(), Status: StatusPending}
	if n.NodeKind() == KindCondition {
		x.run.conds[id] = &ConditionState{ID: id, Phase: PhaseUnevaluated}
	}
}

// satisfied reports whether dependents of id may start.
func (x *execution) satisfied(id string) bool {
	n, ok := x.run.nodes[id]
	if !ok {
		return false
	}
	if n.Status == StatusSucceeded {
		return true
	}
	c, ok := x.run.conds[id]
	return ok && c.Absorbed && n.Status.Terminal()
}

func (x *execution) ready(id string) bool {
	for _, dep := range x.graph.deps[id] {
		if !x.satisfied(dep) {
			return false
		}
	}
	return true
}

// schedule starts every pending node whose dependencies are satisfied, in
// declaration order, up to the parallelism limit.
func (x *execution) schedule(ctx context.Context) {
	limit := x.exec.maxParallel
	for _, id := range x.graph.order {
		if limit > 0 && x.inflight >= limit {
			return
		}
		x.run.mu.RLock()
		n, ok := x.run.nodes[id]
		start := ok && n.Status == StatusPending && x.ready(id)
		x.run.mu.RUnlock()
		if !start {
			continue
		}

		now := time.Now().UTC()
		x.run.mutate(func() {
			n.Status = StatusRunning
			n.StartedAt = &now
			if c, ok := x.run.conds[id]; ok {
				c.Phase = PhaseEvaluating
			}
		})
		nctx := x.startNodeSpan(ctx, id)
		x.inflight++

		switch node := x.graph.nodes[id].(type) {
		case *Step:
			go func() {
				out := x.runStep(nctx, node)
				x.events <- event{id: id, step: &out}
			}()
		case *ConditionStep:
			go func() {
				start := time.Now()
				ev := NewConditionEvaluator(NewPropertyFileReader(x.run.store), x.run.bindings)
				res, err := ev.Evaluate(nctx, node.Conditions)
				x.events <- event{id: id, eval: &evalOutcome{evaluation: res, err: err, duration: time.Since(start)}}
			}()
		}
	}
}

func (x *execution) handle(ctx context.Context, ev event) {
	switch {
	case ev.step != nil:
		x.finishStep(ctx, ev.id, ev.step)
	case ev.eval != nil:
		x.finishEvaluation(ctx, ev.id, ev.eval)
	}
	x.settle(ctx)
}

func (x *execution) finishStep(ctx context.Context, id string, out *stepOutcome) {
	log := x.log.WithNode(id, string(KindStep))
	x.run.mutate(func() {
		n := x.run.nodes[id]
		n.Attempts = out.attempts
		n.Cached = out.cached
		n.DurationMs = out.duration.Milliseconds()
		if out.err != nil {
			n.Status = StatusFailed
			n.Err = out.err
			n.Error = out.err.Error()
			return
		}
		n.Status = StatusSucceeded
		n.Outputs = out.outputs
	})

	x.endNodeSpan(id, out.err, map[string]any{
		observability.AttrAttempts: out.attempts,
		observability.AttrCacheHit: out.cached,
	})
	if out.err != nil {
		x.exec.metrics.RecordNode(ctx, x.graph.Name(), string(KindStep), string(StatusFailed), out.duration)
		log.Error("step failed", logger.Fields(
			logger.FieldAttempt, out.attempts,
			logger.FieldError, out.err.Error(),
			logger.FieldDuration, out.duration.Milliseconds(),
		))
		x.fail(id, out.err)
		return
	}
	x.exec.metrics.RecordNode(ctx, x.graph.Name(), string(KindStep), string(StatusSucceeded), out.duration)
	log.Info("step succeeded", logger.Fields(
		logger.FieldAttempt, out.attempts,
		"cached", out.cached,
		logger.FieldDuration, out.duration.Milliseconds(),
	))
}

func (x *execution) finishEvaluation(ctx context.Context, id string, out *evalOutcome) {
	log := x.log.WithNode(id, string(KindCondition))
	if out.err != nil {
		err := out.err
		if appErr, ok := apperrors.AsAppError(err); ok {
			err = appErr.WithNode(id)
		}
		x.run.mutate(func() {
			n := x.run.nodes[id]
			n.Status = StatusFailed
			n.Err = err
			n.Error = err.Error()
			n.DurationMs = out.duration.Milliseconds()
			x.run.conds[id].Phase = PhaseEvaluationFailed
		})
		x.endNodeSpan(id, err, nil)
		x.exec.metrics.RecordNode(ctx, x.graph.Name(), string(KindCondition), string(StatusFailed), out.duration)
		log.Error("condition evaluation failed", logger.ErrorFields("evaluate", err))
		// A missing or unreadable report stops the pipeline even under best effort.
		x.halt(err)
		return
	}

	branch := out.evaluation.Branch()
	eval := out.evaluation
	x.run.mutate(func() {
		c := x.run.conds[id]
		c.Phase = PhaseBranchSelected
		c.Branch = branch
		c.Evaluation = &eval
		x.run.nodes[id].Branch = branch
		for _, child := range x.graph.children[id][branch] {
			x.instantiate(child)
		}
	})
	x.exec.metrics.RecordBranch(ctx, x.graph.Name(), id, string(branch))
	observability.SetSpanAttribute(trace.ContextWithSpan(ctx, x.spans[id]), observability.AttrBranch, string(branch))
	log.Info("branch selected", logger.Fields(
		logger.FieldBranch, string(branch),
		"children", len(x.graph.children[id][branch]),
	))
}

// fail routes a node failure to the nearest best-effort ConditionStep that
// encloses it, or halts the run.
func (x *execution) fail(id string, err error) {
	for p := x.graph.place[id]; p.Owner != ""; p = x.graph.place[p.Owner] {
		c := x.graph.nodes[p.Owner].(*ConditionStep)
		if !c.BestEffort {
			continue
		}
		owner := p.Owner
		x.absorbing[owner] = true
		x.run.mutate(func() {
			x.run.absorbed = append(x.run.absorbed, AbsorbedFailure{Condition: owner, Node: id, Error: err.Error()})
			x.skipPending(func(n string) bool { return x.graph.Within(n, owner) })
		})
		x.log.Warn("branch failure absorbed by best-effort condition", logger.Fields(
			logger.FieldNode, owner,
			"failed_node", id,
			logger.FieldError, err.Error(),
		))
		return
	}
	x.halt(err)
}

// halt stops admitting nodes. The first error wins.
func (x *execution) halt(err error) {
	if x.haltErr == nil {
		x.haltErr = err
	}
	if !x.halted {
		x.halted = true
		x.stop()
		x.log.Warn("run halted", logger.Fields("in_flight", x.inflight, logger.FieldError, err.Error()))
	}
}

// skipPending marks matching pending nodes skipped. Caller holds run.mu.
func (x *execution) skipPending(match func(id string) bool) {
	for _, id := range x.graph.order {
		n, ok := x.run.nodes[id]
		if ok && n.Status == StatusPending && match(id) {
			n.Status = StatusSkipped
		}
	}
}

// settle closes every ConditionStep whose chosen branch has finished,
// innermost first.
func (x *execution) settle(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for i := len(x.graph.order) - 1; i >= 0; i-- {
			id := x.graph.order[i]
			if x.settleCondition(ctx, id) {
				changed = true
			}
		}
	}
}

func (x *execution) settleCondition(ctx context.Context, id string) bool {
	var settled bool
	var phase ConditionPhase
	var started *time.Time
	x.run.mutate(func() {
		c, ok := x.run.conds[id]
		if !ok || c.Phase != PhaseBranchSelected {
			return
		}
		ok = true
		for _, child := range x.graph.children[id][c.Branch] {
			n := x.run.nodes[child]
			if !n.Status.Terminal() {
				return
			}
			if !x.satisfied(child) {
				ok = false
			}
		}
		n := x.run.nodes[id]
		started = n.StartedAt
		if ok {
			c.Phase, n.Status = PhaseBranchCompleted, StatusSucceeded
		} else {
			c.Phase, n.Status = PhaseBranchFailed, StatusFailed
			c.Absorbed = x.absorbing[id]
			n.Error = fmt.Sprintf("%s branch did not complete", c.Branch)
		}
		if started != nil {
			n.DurationMs = time.Since(*started).Milliseconds()
		}
		phase = c.Phase
		settled = true
	})
	if !settled {
		return false
	}

	var dur time.Duration
	if started != nil {
		dur = time.Since(*started)
	}
	status := StatusSucceeded
	var err error
	if phase == PhaseBranchFailed {
		status = StatusFailed
		err = errors.New("branch did not complete")
	}
	x.endNodeSpan(id, err, nil)
	x.exec.metrics.RecordNode(ctx, x.graph.Name(), string(KindCondition), string(status), dur)
	x.log.WithNode(id, string(KindCondition)).Info("condition finished", logger.Fields("phase", string(phase)))
	return true
}

func (x *execution) finish(ctx context.Context) *Result {
	x.run.mutate(func() {
		x.skipPending(func(string) bool { return true })
	})
	x.settle(ctx)

	outcome := OutcomeSucceeded
	err := x.haltErr
	if err == nil {
		// Defensive: a top-level node that did not succeed fails the run.
		x.run.mu.RLock()
		for _, id := range x.graph.top {
			if !x.satisfied(id) {
				err = apperrors.Internal(nil).WithNode(id).WithDetail("status", string(x.run.nodes[id].Status))
				break
			}
		}
		x.run.mu.RUnlock()
	}
	switch {
	case err == nil:
	case apperrors.IsCode(err, apperrors.ErrCodeCancelled):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}

	var res *Result
	x.run.mutate(func() {
		x.run.state = RunFinished
		x.run.finishedAt = time.Now().UTC()
		res = &Result{Err: err, Duration: x.run.finishedAt.Sub(x.run.startedAt)}
		res.Outcome = outcome
		if err != nil {
			res.Error = err.Error()
		}
		x.run.result = res
		res.Snapshot = x.run.snapshotLocked()
	})
	close(x.run.done)

	x.exec.metrics.RecordRunEnd(ctx, x.graph.Name(), string(outcome), res.Duration)
	fields := logger.Fields(logger.FieldOutcome, string(outcome), logger.FieldDuration, res.Duration.Milliseconds())
	if err != nil {
		fields[logger.FieldError] = err.Error()
		x.log.Warn("run finished", fields)
	} else {
		x.log.Info("run finished", fields)
	}
	return res
}

func (x *execution) startNodeSpan(ctx context.Context, id string) context.Context {
	ctx, span := observability.StartSpan(ctx, observability.SpanNodePrefix+id, trace.WithAttributes(
		attribute.String(observability.AttrNode, id),
		attribute.String(observability.AttrNodeKind, string(x.graph.nodes[id].NodeKind())),
	))
	x.spans[id] = span
	return ctx
}

func (x *execution) endNodeSpan(id string, err error, attrs map[string]any) {
	span, ok := x.spans[id]
	if !ok {
		return
	}
	delete(x.spans, id)
	ctx := trace.ContextWithSpan(context.Background(), span)
	for k, v := range attrs {
		observability.SetSpanAttribute(ctx, k, v)
	}
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(status)))
	span.End()
}
