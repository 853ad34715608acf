package dag

import (
	"github.com/kbukum/condflow/artifact"
	apperrors "github.com/kbukum/condflow/errors"
)

// ReferenceResolver maps output references to artifact locations. It never
// touches the storage backend.
type ReferenceResolver struct {
	run *Run
}

// NewReferenceResolver resolves against run.
func NewReferenceResolver(run *Run) *ReferenceResolver {
	return &ReferenceResolver{run: run}
}

// Resolve returns the current location of ref. It fails with
// OUTPUT_NOT_READY unless the producing step has succeeded.
func (r *ReferenceResolver) Resolve(ref OutputRef) (artifact.Location, error) {
	if status, ok := r.run.Status(ref.StepID); !ok || status != StatusSucceeded {
		return artifact.Location{}, apperrors.OutputNotReady(ref.StepID, ref.Output)
	}
	loc, ok := r.run.store.Lookup(artifact.Key{StepID: ref.StepID, Output: ref.Output})
	if !ok {
		return artifact.Location{}, apperrors.OutputNotReady(ref.StepID, ref.Output)
	}
	return loc, nil
}
