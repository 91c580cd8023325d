package build

import (
	"context"
	"errors"
	"fmt"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type PhaseKind string

const (
	PhasePending     PhaseKind = "pending"
	PhaseRunning     PhaseKind = "running"
	PhaseSucceeded   PhaseKind = "succeeded"
	PhaseRollingBack PhaseKind = "rolling_back"
	PhaseRolledBack  PhaseKind = "rolled_back"
	PhaseFailed      PhaseKind = "failed"
)

// Phase is a state the executor passed through.
// Index is the step the phase refers to, -1 when it refers to none.
type Phase struct {
	Kind  PhaseKind
	Index int
}

func (p Phase) String() string {
	if p.Index < 0 {
		return string(p.Kind)
	}
	return fmt.Sprintf("%s(%d)", p.Kind, p.Index)
}

// Result is the outcome of Executor.Run.
type Result struct {
	Status            Status
	Err               error // *StepError when Status is StatusFailed
	FailedStep        string
	LastCompletedStep int  // -1 when no step completed
	Retryable         bool // the failed step may succeed if the run is retried
	CleanupErr        error
	Phases            []Phase
}

func (res *Result) enter(kind PhaseKind, index int) {
	res.Phases = append(res.Phases, Phase{Kind: kind, Index: index})
}

// Executor runs steps one after another.
//
// If step i fails, steps i-1 down to 0 are rolled back and tidied up in
// that order. The failed step itself gets neither call. If every step
// succeeds, all steps are tidied up in order after the last one.
type Executor struct {
	steps []Step
}

func NewExecutor(steps ...Step) *Executor {
	return &Executor{steps: steps}
}

func (e *Executor) Steps() []Step {
	return e.steps
}

// Run executes the pipeline for r. The returned error is a *StepError and
// is also stored in Result.Err.
//
// Cancelling ctx stops the run before the next step starts. Compensation
// always runs to completion.
func (e *Executor) Run(ctx context.Context, r *Run) (*Result, error) {
	res := &Result{LastCompletedStep: -1}
	res.enter(PhasePending, -1)

	for i, step := range e.steps {
		res.enter(PhaseRunning, i)
		name := step.Name(r)
		r.Log.Info(ctx, name, "started")

		err := ctx.Err()
		if err == nil {
			err = step.Build(ctx, r)
		}
		if err != nil {
			stepErr := &StepError{
				Step:      name,
				Index:     i,
				State:     r.State.Snapshot(),
				Retryable: step.Retryable() || IsTransient(err),
				Err:       err,
			}
			r.Log.Error(ctx, name, fmt.Sprintf("failed: %v", err))

			stepErr.CleanupErr = e.unwind(context.WithoutCancel(ctx), r, i, res)
			res.enter(PhaseFailed, i)

			res.Status = StatusFailed
			res.Err = stepErr
			res.FailedStep = name
			res.Retryable = stepErr.Retryable
			res.CleanupErr = stepErr.CleanupErr
			return res, stepErr
		}

		r.Log.Info(ctx, name, "completed")
		res.LastCompletedStep = i
	}

	res.enter(PhaseSucceeded, -1)
	res.Status = StatusSucceeded

	var errs []error
	cleanupCtx := context.WithoutCancel(ctx)
	for _, step := range e.steps {
		if err := step.TidyUp(cleanupCtx, r); err != nil {
			name := step.Name(r)
			r.Log.Error(cleanupCtx, name, fmt.Sprintf("didn't tidy up: %v", err))
			errs = append(errs, fmt.Errorf("tidy up %q: %w", name, err))
		}
	}
	res.CleanupErr = errors.Join(errs...)

	return res, nil
}

// unwind compensates steps failed-1 down to 0.
func (e *Executor) unwind(ctx context.Context, r *Run, failed int, res *Result) error {
	if failed == 0 {
		return nil
	}

	var errs []error
	for j := failed - 1; j >= 0; j-- {
		res.enter(PhaseRollingBack, j)
		step := e.steps[j]
		name := step.Name(r)

		if err := step.Rollback(ctx, r); err != nil {
			r.Log.Error(ctx, name, fmt.Sprintf("didn't roll back: %v", err))
			errs = append(errs, fmt.Errorf("roll back %q: %w", name, err))
		} else {
			r.Log.Info(ctx, name, "rolled back")
		}

		if err := step.TidyUp(ctx, r); err != nil {
			r.Log.Error(ctx, name, fmt.Sprintf("didn't tidy up: %v", err))
			errs = append(errs, fmt.Errorf("tidy up %q: %w", name, err))
		}
	}
	res.enter(PhaseRolledBack, -1)

	return errors.Join(errs...)
}
