package build

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"testing"
)

func newSpySteps(calls *[]string, names ...string) []*SpyStep {
	steps := make([]*SpyStep, len(names))
	for i, name := range names {
		steps[i] = &SpyStep{StepName: name, Calls: calls}
	}
	return steps
}

func asSteps(spies []*SpyStep) []Step {
	steps := make([]Step, len(spies))
	for i, s := range spies {
		steps[i] = s
	}
	return steps
}

func failWith(err error) func(context.Context, *Run) error {
	return func(context.Context, *Run) error { return err }
}

func TestExecutorRun(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name           string
		failAt         int // -1 for none
		buildErr       error
		retryable      bool
		wantStatus     Status
		wantCalls      []string
		wantPhases     []string
		wantLastStep   int
		wantRetryable  bool
		wantFailedStep string
	}{
		{
			name:       "all steps succeed",
			failAt:     -1,
			wantStatus: StatusSucceeded,
			wantCalls: []string{
				"Build a", "Build b", "Build c",
				"TidyUp a", "TidyUp b", "TidyUp c",
			},
			wantPhases:   []string{"pending", "running(0)", "running(1)", "running(2)", "succeeded"},
			wantLastStep: 2,
		},
		{
			name:       "last step fails",
			failAt:     2,
			buildErr:   errBoom,
			wantStatus: StatusFailed,
			wantCalls: []string{
				"Build a", "Build b", "Build c",
				"Rollback b", "TidyUp b",
				"Rollback a", "TidyUp a",
			},
			wantPhases: []string{
				"pending", "running(0)", "running(1)", "running(2)",
				"rolling_back(1)", "rolling_back(0)", "rolled_back", "failed(2)",
			},
			wantLastStep:   1,
			wantFailedStep: "c",
		},
		{
			name:           "first step fails",
			failAt:         0,
			buildErr:       errBoom,
			wantStatus:     StatusFailed,
			wantCalls:      []string{"Build a"},
			wantPhases:     []string{"pending", "running(0)", "failed(0)"},
			wantLastStep:   -1,
			wantFailedStep: "a",
		},
		{
			name:           "retryable step fails",
			failAt:         1,
			buildErr:       errBoom,
			retryable:      true,
			wantStatus:     StatusFailed,
			wantCalls:      []string{"Build a", "Build b", "Rollback a", "TidyUp a"},
			wantPhases:     []string{"pending", "running(0)", "running(1)", "rolling_back(0)", "rolled_back", "failed(1)"},
			wantLastStep:   0,
			wantRetryable:  true,
			wantFailedStep: "b",
		},
		{
			name:           "step fails with transient error",
			failAt:         1,
			buildErr:       Transient(errBoom),
			wantStatus:     StatusFailed,
			wantCalls:      []string{"Build a", "Build b", "Rollback a", "TidyUp a"},
			wantPhases:     []string{"pending", "running(0)", "running(1)", "rolling_back(0)", "rolled_back", "failed(1)"},
			wantLastStep:   0,
			wantRetryable:  true,
			wantFailedStep: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			calls := new([]string)
			spies := newSpySteps(calls, "a", "b", "c")
			if tt.failAt >= 0 {
				spies[tt.failAt].BuildFunc = failWith(tt.buildErr)
				spies[tt.failAt].RetryableResult = tt.retryable
			}
			r, _ := newTestRun(nil)

			res, err := NewExecutor(asSteps(spies)...).Run(ctx, r)
			if tt.wantStatus == StatusSucceeded && err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if tt.wantStatus == StatusFailed {
				if !errors.Is(err, errBoom) {
					t.Fatalf("got %v error, want %v", err, errBoom)
				}
				stepErr := (*StepError)(nil)
				if !errors.As(err, &stepErr) {
					t.Fatalf("got %T error, want *StepError", err)
				}
				if stepErr.Index != tt.failAt {
					t.Fatalf("got %d index, want %d", stepErr.Index, tt.failAt)
				}
				if res.Err != err {
					t.Fatalf("got %v result error, want %v", res.Err, err)
				}
			}

			if res.Status != tt.wantStatus {
				t.Fatalf("got %s status, want %s", res.Status, tt.wantStatus)
			}
			if !slices.Equal(*calls, tt.wantCalls) {
				t.Fatalf("got %v calls, want %v", *calls, tt.wantCalls)
			}
			var phases []string
			for _, p := range res.Phases {
				phases = append(phases, p.String())
			}
			if !slices.Equal(phases, tt.wantPhases) {
				t.Fatalf("got %v phases, want %v", phases, tt.wantPhases)
			}
			if res.LastCompletedStep != tt.wantLastStep {
				t.Fatalf("got %d last completed step, want %d", res.LastCompletedStep, tt.wantLastStep)
			}
			if res.Retryable != tt.wantRetryable {
				t.Fatalf("got %v retryable, want %v", res.Retryable, tt.wantRetryable)
			}
			if res.FailedStep != tt.wantFailedStep {
				t.Fatalf("got %q failed step, want %q", res.FailedStep, tt.wantFailedStep)
			}
		})
	}
}

func TestExecutorRunCompensationContinuesAfterErrors(t *testing.T) {
	ctx := context.Background()
	calls := new([]string)
	spies := newSpySteps(calls, "a", "b", "c", "d")
	spies[2].RollbackErr = errors.New("rollback c")
	spies[1].TidyUpErr = errors.New("tidy up b")
	spies[3].BuildFunc = failWith(errors.New("build d"))
	r, _ := newTestRun(nil)

	res, err := NewExecutor(asSteps(spies)...).Run(ctx, r)
	if err == nil {
		t.Fatal("got nil error, want non-nil")
	}

	wantCalls := []string{
		"Build a", "Build b", "Build c", "Build d",
		"Rollback c", "TidyUp c",
		"Rollback b", "TidyUp b",
		"Rollback a", "TidyUp a",
	}
	if !slices.Equal(*calls, wantCalls) {
		t.Fatalf("got %v calls, want %v", *calls, wantCalls)
	}

	if res.CleanupErr == nil {
		t.Fatal("got nil cleanup error, want non-nil")
	}
	for _, want := range []string{"rollback c", "tidy up b"} {
		if !strings.Contains(res.CleanupErr.Error(), want) {
			t.Fatalf("got %q cleanup error, want it to contain %q", res.CleanupErr, want)
		}
	}
	if errors.Is(err, res.CleanupErr) {
		t.Fatal("didn't want cleanup error in the step error chain")
	}
}

func TestExecutorRunTidiesUpEachStepOnce(t *testing.T) {
	for failAt := -1; failAt < 4; failAt++ {
		t.Run(fmt.Sprintf("fail at %d", failAt), func(t *testing.T) {
			calls := new([]string)
			spies := newSpySteps(calls, "a", "b", "c", "d")
			if failAt >= 0 {
				spies[failAt].BuildFunc = failWith(errors.New("boom"))
			}
			r, _ := newTestRun(nil)

			_, _ = NewExecutor(asSteps(spies)...).Run(context.Background(), r)

			for i, s := range spies {
				got := 0
				for _, c := range *calls {
					if c == callTidyUp+" "+s.StepName {
						got++
					}
				}
				want := 1
				if failAt >= 0 && i >= failAt {
					want = 0
				}
				if got != want {
					t.Fatalf("got %d tidy-ups of %s, want %d", got, s.StepName, want)
				}
			}
		})
	}
}

func TestExecutorRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := new([]string)
	spies := newSpySteps(calls, "a", "b")
	spies[0].BuildFunc = func(context.Context, *Run) error {
		cancel()
		return nil
	}
	r, _ := newTestRun(nil)

	res, err := NewExecutor(asSteps(spies)...).Run(ctx, r)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v error, want %v", err, context.Canceled)
	}
	if res.FailedStep != "b" {
		t.Fatalf("got %q failed step, want %q", res.FailedStep, "b")
	}

	wantCalls := []string{"Build a", "Rollback a", "TidyUp a"}
	if !slices.Equal(*calls, wantCalls) {
		t.Fatalf("got %v calls, want %v", *calls, wantCalls)
	}
}

func TestExecutorRunStepErrorState(t *testing.T) {
	calls := new([]string)
	spies := newSpySteps(calls, "a", "b")
	spies[0].BuildFunc = func(_ context.Context, r *Run) error {
		return r.State.SetWorkingDir("/tmp/run")
	}
	spies[1].BuildFunc = failWith(errors.New("boom"))
	r, _ := newTestRun(nil)

	_, err := NewExecutor(asSteps(spies)...).Run(context.Background(), r)
	stepErr := (*StepError)(nil)
	if !errors.As(err, &stepErr) {
		t.Fatalf("got %T error, want *StepError", err)
	}

	want := map[string]string{"working_dir": "/tmp/run"}
	if !reflect.DeepEqual(stepErr.State, want) {
		t.Fatalf("got %v state, want %v", stepErr.State, want)
	}
}

func TestExecutorRunLogs(t *testing.T) {
	calls := new([]string)
	spies := newSpySteps(calls, "a", "b")
	spies[1].BuildFunc = failWith(errors.New("boom"))
	r, sink := newTestRun(nil)

	_, _ = NewExecutor(asSteps(spies)...).Run(context.Background(), r)

	want := []string{
		"a: started",
		"a: completed",
		"b: started",
		"b: failed: boom",
		"a: rolled back",
	}
	if got := sink.Messages(); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for i, e := range sink.Entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("got %d seq of entry %d, want %d", e.Seq, i, i+1)
		}
		if e.RunID != r.ID {
			t.Fatalf("got %v run id, want %v", e.RunID, r.ID)
		}
	}
	if sink.Entries[3].Level != LogLevelError {
		t.Fatalf("got %s level, want %s", sink.Entries[3].Level, LogLevelError)
	}
}
