package build

import (
	"context"
	"sync"
)

const (
	callBuild    = "Build"
	callRollback = "Rollback"
	callTidyUp   = "TidyUp"
)

// SpyStep records its calls as "<call> <name>".
type SpyStep struct {
	StepName        string
	RetryableResult bool
	BuildFunc       func(ctx context.Context, r *Run) error
	RollbackErr     error
	TidyUpErr       error

	Calls *[]string // shared by all steps of a test
}

func (s *SpyStep) Name(*Run) string { return s.StepName }
func (s *SpyStep) Retryable() bool  { return s.RetryableResult }

func (s *SpyStep) Build(ctx context.Context, r *Run) error {
	s.appendCalls(callBuild)
	if s.BuildFunc != nil {
		return s.BuildFunc(ctx, r)
	}
	return nil
}

func (s *SpyStep) Rollback(ctx context.Context, r *Run) error {
	s.appendCalls(callRollback)
	return s.RollbackErr
}

func (s *SpyStep) TidyUp(ctx context.Context, r *Run) error {
	s.appendCalls(callTidyUp)
	return s.TidyUpErr
}

func (s *SpyStep) appendCalls(call string) {
	if s.Calls == nil {
		s.Calls = new([]string)
	}
	*s.Calls = append(*s.Calls, call+" "+s.StepName)
}

// SpySink keeps appended log entries in memory.
type SpySink struct {
	mu      sync.Mutex
	Entries []*LogEntry
}

func (s *SpySink) Append(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, entry)
	return nil
}

func (s *SpySink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []string
	for _, e := range s.Entries {
		messages = append(messages, e.Step+": "+e.Message)
	}
	return messages
}

func newTestRun(target *Target) (*Run, *SpySink) {
	if target == nil {
		target = &Target{ImageRef: "registry.local/internal/model-x:v1"}
	}
	sink := &SpySink{}
	return NewRun(target, sink), sink
}
