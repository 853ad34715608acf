package server

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kbukum/condflow/dag"
)

// RunRegistry keeps runs queryable by id. Active runs never expire;
// finished runs are dropped after the retention period.
type RunRegistry struct {
	runs      *gocache.Cache
	retention time.Duration
}

// NewRunRegistry creates a registry with the given retention for finished runs.
func NewRunRegistry(retention time.Duration) *RunRegistry {
	return &RunRegistry{
		runs:      gocache.New(retention, retention/2),
		retention: retention,
	}
}

// Add registers run and schedules its expiry once it finishes.
func (r *RunRegistry) Add(run *dag.Run) {
	r.runs.Set(run.ID(), run, gocache.NoExpiration)
	go func() {
		<-run.Done()
		r.runs.Set(run.ID(), run, r.retention)
	}()
}

// Get returns the run with id.
func (r *RunRegistry) Get(id string) (*dag.Run, bool) {
	v, ok := r.runs.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*dag.Run), true
}

// Active returns the runs that have not finished.
func (r *RunRegistry) Active() []*dag.Run {
	var out []*dag.Run
	for _, item := range r.runs.Items() {
		run := item.Object.(*dag.Run)
		if run.State() != dag.RunFinished {
			out = append(out, run)
		}
	}
	return out
}
