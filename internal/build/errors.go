package build

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStateNotSet     = errors.New("state not set")
	ErrStateAlreadySet = errors.New("state already set")
	ErrFileNotFetched  = errors.New("file not fetched")
	ErrFileExists      = errors.New("file already exists")
	ErrBlobNotFound    = errors.New("blob not found")
	ErrCorruptArchive  = errors.New("corrupt archive")
	ErrUnknownBackend  = errors.New("unknown build backend")
)

// transientError marks an error as worth retrying the whole run for.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true for it and for
// any error that wraps it. It returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in err's tree was marked with Transient.
// Errors that weren't marked are permanent.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ExitError is returned by CommandRunner when a command exits with a non-zero code.
type ExitError struct {
	ExitCode int
	Tail     []string // last lines of stderr
}

func (e *ExitError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", e.ExitCode, strings.Join(e.Tail, "\n"))
}

// StepError is returned by Executor.Run when a step fails.
type StepError struct {
	Step      string
	Index     int
	State     map[string]string // snapshot taken when the step failed
	Retryable bool
	Err       error

	// CleanupErr joins errors returned by rollback and tidy-up of the
	// steps that completed before the failure.
	CleanupErr error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d %q: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
