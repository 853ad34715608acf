package dag

import (
	"maps"
	"time"

	"github.com/kbukum/condflow/artifact"
)

// NodeResult holds the state of a single instantiated node.
type NodeResult struct {
	ID     string     `json:"id"`
	Kind   Kind       `json:"kind"`
	Status NodeStatus `json:"status"`
	// Attempts counts executable invocations; zero for cache hits and conditions.
	Attempts int  `json:"attempts"`
	Cached   bool `json:"cached,omitempty"`
	// Branch is the branch chosen by a ConditionStep.
	Branch     Branch                       `json:"branch,omitempty"`
	StartedAt  *time.Time                   `json:"started_at,omitempty"`
	DurationMs int64                        `json:"duration_ms"`
	Outputs    map[string]artifact.Location `json:"outputs,omitempty"`
	Error      string                       `json:"error,omitempty"`

	// Err is the failure with its cause chain.
	Err error `json:"-"`
}

// Duration returns the node's run time.
func (n NodeResult) Duration() time.Duration { return time.Duration(n.DurationMs) * time.Millisecond }

func (n *NodeResult) clone() NodeResult {
	c := *n
	c.Outputs = maps.Clone(n.Outputs)
	return c
}

// AbsorbedFailure is a branch failure swallowed by a best-effort ConditionStep.
type AbsorbedFailure struct {
	Condition string `json:"condition"`
	Node      string `json:"node"`
	Error     string `json:"error"`
}

// Snapshot is a point-in-time view of a run. Nodes and Conditions are in
// declaration order and include only nodes that exist in the run.
type Snapshot struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline"`
	State      RunState          `json:"state"`
	Outcome    Outcome           `json:"outcome,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Nodes      []NodeResult      `json:"nodes"`
	Conditions []ConditionState  `json:"conditions,omitempty"`
	Absorbed   []AbsorbedFailure `json:"absorbed,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Node returns the entry for id.
func (s *Snapshot) Node(id string) (NodeResult, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeResult{}, false
}

// Condition returns the entry for id.
func (s *Snapshot) Condition(id string) (ConditionState, bool) {
	for _, c := range s.Conditions {
		if c.ID == id {
			return c, true
		}
	}
	return ConditionState{}, false
}

// Result is the final state of a finished run.
type Result struct {
	Snapshot
	Duration time.Duration `json:"-"`
	// Err is the error that ended the run, nil on success.
	Err error `json:"-"`
}

// Succeeded reports whether the run succeeded.
func (r *Result) Succeeded() bool { return r.Outcome == OutcomeSucceeded }
