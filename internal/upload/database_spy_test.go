package upload

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/kiln/internal/build"
)

const (
	callGetUser          = "GetUser"
	callGetVersion       = "GetVersion"
	callLockVersion      = "LockVersion"
	callUnlockVersion    = "UnlockVersion"
	callMarkVersionBuilt = "MarkVersionBuilt"
)

type SpyDatabase struct {
	User        *User
	Version     *Version
	GetUserErr  error
	MarkErr     error
	BuiltOnLock bool // the version turns built while the lock is awaited

	mu      sync.Mutex
	Entries []*build.LogEntry
	Calls   *[]string
}

func (d *SpyDatabase) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	d.appendCalls(callGetUser)
	if d.GetUserErr != nil {
		return nil, d.GetUserErr
	}
	return d.User, nil
}

func (d *SpyDatabase) GetVersion(ctx context.Context, id uuid.UUID) (*Version, error) {
	d.appendCalls(callGetVersion)
	if d.Version == nil || d.Version.ID != id {
		return nil, ErrNotFound
	}
	v := *d.Version
	return &v, nil
}

func (d *SpyDatabase) MarkVersionBuilt(ctx context.Context, id uuid.UUID) error {
	d.appendCalls(callMarkVersionBuilt)
	if d.MarkErr != nil {
		return d.MarkErr
	}
	d.Version.Built = true
	return nil
}

func (d *SpyDatabase) LockVersion(ctx context.Context, id uuid.UUID) (func(), error) {
	d.appendCalls(callLockVersion)
	if d.BuiltOnLock {
		d.Version.Built = true
	}
	return func() { d.appendCalls(callUnlockVersion) }, nil
}

func (d *SpyDatabase) Append(ctx context.Context, entry *build.LogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Entries = append(d.Entries, entry)
	return nil
}

func (d *SpyDatabase) appendCalls(c ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Calls == nil {
		d.Calls = new([]string)
	}
	*d.Calls = append(*d.Calls, c...)
}

type StubImageNamer struct{}

func (StubImageNamer) ImageRef(model, version string) (string, error) {
	return "registry.local/internal/" + model + ":" + version, nil
}

// StubStep fails its first Failures builds with Err.
type StubStep struct {
	build.NoTidyUp
	StepName        string
	RetryableResult bool
	Failures        int
	Err             error

	Builds  int
	Targets []*build.Target
}

func (s *StubStep) Name(*build.Run) string { return s.StepName }
func (s *StubStep) Retryable() bool        { return s.RetryableResult }

func (s *StubStep) Build(ctx context.Context, r *build.Run) error {
	s.Builds++
	s.Targets = append(s.Targets, r.Target)
	if s.Builds <= s.Failures {
		return s.Err
	}
	return nil
}

func (s *StubStep) Rollback(ctx context.Context, r *build.Run) error { return nil }

// CancelStep cancels the run's context while it builds, like a worker
// shutting down mid-run.
type CancelStep struct {
	build.NoTidyUp
	Cancel context.CancelFunc
}

func (s *CancelStep) Name(*build.Run) string { return "cancel" }
func (s *CancelStep) Retryable() bool        { return true }

func (s *CancelStep) Build(ctx context.Context, r *build.Run) error {
	s.Cancel()
	return nil
}

func (s *CancelStep) Rollback(ctx context.Context, r *build.Run) error { return nil }
