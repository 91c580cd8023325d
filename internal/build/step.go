package build

import "context"

// Step is one stage of a pipeline.
//
// Build performs the side effect. Rollback undoes it after a later step
// failed. TidyUp removes scratch data once the outcome of the run is known.
// Rollback and TidyUp must be safe to call when Build did nothing and
// must not fail when there is nothing to undo.
//
// Steps keep only configuration. Everything produced during a run lives in
// the Run, so one Step value can serve concurrent runs.
type Step interface {
	Name(r *Run) string
	Retryable() bool
	Build(ctx context.Context, r *Run) error
	Rollback(ctx context.Context, r *Run) error
	TidyUp(ctx context.Context, r *Run) error
}

// NoTidyUp can be embedded by steps that leave no scratch data behind.
type NoTidyUp struct{}

func (NoTidyUp) TidyUp(context.Context, *Run) error { return nil }
