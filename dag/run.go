package dag

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/condflow/artifact"
)

// NodeStatus is the lifecycle status of an instantiated node.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether s is final.
func (s NodeStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ConditionPhase tracks a ConditionStep through evaluation and its branch.
type ConditionPhase string

const (
	PhaseUnevaluated      ConditionPhase = "unevaluated"
	PhaseEvaluating       ConditionPhase = "evaluating"
	PhaseBranchSelected   ConditionPhase = "branch_selected"
	PhaseBranchCompleted  ConditionPhase = "branch_completed"
	PhaseBranchFailed     ConditionPhase = "branch_failed"
	PhaseEvaluationFailed ConditionPhase = "evaluation_failed"
)

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// RunState is the coarse lifecycle of a run.
type RunState string

const (
	RunRunning    RunState = "running"
	RunCancelling RunState = "cancelling"
	RunFinished   RunState = "finished"
)

// ConditionState is the evaluation record of one ConditionStep.
type ConditionState struct {
	ID         string         `json:"id"`
	Phase      ConditionPhase `json:"phase"`
	Branch     Branch         `json:"branch,omitempty"`
	Evaluation *Evaluation    `json:"evaluation,omitempty"`
	// Absorbed is set when a best-effort condition swallowed a branch failure.
	Absorbed bool `json:"absorbed,omitempty"`
}

// Run is one execution of a Graph. All methods are safe for concurrent use.
type Run struct {
	id       string
	graph    *Graph
	bindings Bindings
	store    *artifact.Store

	mu         sync.RWMutex
	state      RunState
	nodes      map[string]*NodeResult
	conds      map[string]*ConditionState
	absorbed   []AbsorbedFailure
	startedAt  time.Time
	finishedAt time.Time
	result     *Result

	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func newRun(id string, g *Graph, b Bindings, store *artifact.Store) *Run {
	return &Run{
		id:        id,
		graph:     g,
		bindings:  b,
		store:     store,
		state:     RunRunning,
		nodes:     make(map[string]*NodeResult),
		conds:     make(map[string]*ConditionState),
		startedAt: time.Now().UTC(),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Graph returns the pipeline being executed.
func (r *Run) Graph() *Graph { return r.graph }

// Bindings returns the parameter values of the run.
func (r *Run) Bindings() Bindings { return r.bindings }

// Artifacts returns the run's artifact store. Outputs of finished steps stay
// there after the run ends, whatever its outcome.
func (r *Run) Artifacts() *artifact.Store { return r.store }

// Status returns the status of id. Nodes of branches that were not taken,
// or not yet selected, have no status.
func (r *Run) Status(id string) (NodeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", false
	}
	return n.Status, true
}

// Condition returns the evaluation record of a ConditionStep.
func (r *Run) Condition(id string) (ConditionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conds[id]
	if !ok {
		return ConditionState{}, false
	}
	return *c, true
}

// State returns the lifecycle state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Cancel asks the run to stop. Steps already running finish; no new node
// starts. It is safe to call more than once.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		r.mu.Lock()
		if r.state == RunRunning {
			r.state = RunCancelling
		}
		r.mu.Unlock()
		close(r.cancel)
	})
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the final result, or nil while the run is in progress.
func (r *Run) Result() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// Snapshot returns a consistent copy of the current run state.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	s := Snapshot{
		RunID:     r.id,
		Pipeline:  r.graph.Name(),
		State:     r.state,
		StartedAt: r.startedAt,
		Absorbed:  append([]AbsorbedFailure(nil), r.absorbed...),
	}
	if !r.finishedAt.IsZero() {
		f := r.finishedAt
		s.FinishedAt = &f
	}
	if r.result != nil {
		s.Outcome = r.result.Outcome
		s.Error = r.result.Error
	}
	for _, id := range r.graph.order {
		if n, ok := r.nodes[id]; ok {
			s.Nodes = append(s.Nodes, n.clone())
		}
		if c, ok := r.conds[id]; ok {
			s.Conditions = append(s.Conditions, *c)
		}
	}
	return s
}

// mutate applies fn under the write lock.
func (r *Run) mutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
