package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	defaultTailLines = 50
	maxLineSize      = 1024 * 1024 // 1MB
)

// CommandRunner runs external commands on behalf of steps.
type CommandRunner struct {
	TailLines int // optional, default 50
}

type CommandRunnerRunParams struct {
	Step string   // required, tags log entries
	Path string   // required
	Args []string // optional
	Dir  string   // optional
	Env  []string // optional, appended to the environment of the worker
}

type CommandRunnerRunResult struct {
	ExitCode int
	Tail     []string // last lines of stderr
}

// Run starts the command and waits for it to exit. Every line the command
// prints is written to r.Log as soon as it arrives: stdout at info level,
// stderr at error level.
//
// A command that couldn't be started yields a transient error. A non-zero
// exit code yields an *ExitError.
//
// The command isn't tied to ctx. Once started it runs until it exits.
func (cr *CommandRunner) Run(ctx context.Context, r *Run, params *CommandRunnerRunParams) (*CommandRunnerRunResult, error) {
	cmd := exec.Command(params.Path, params.Args...)
	cmd.Dir = params.Dir
	if len(params.Env) > 0 {
		cmd.Env = append(cmd.Environ(), params.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Transient(fmt.Errorf("build.CommandRunner: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, Transient(fmt.Errorf("build.CommandRunner: %w", err))
	}

	r.Log.Info(ctx, params.Step, fmt.Sprintf("running %s", cmd.String()))
	if err = cmd.Start(); err != nil {
		return nil, Transient(fmt.Errorf("build.CommandRunner: start %s: %w", params.Path, err))
	}

	tail := newTail(cr.tailLines())
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			r.Log.Info(ctx, params.Step, line)
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			tail.add(line)
			r.Log.Error(ctx, params.Step, line)
		})
	})
	scanErr := g.Wait()

	waitErr := cmd.Wait()
	if exitErr := (*exec.ExitError)(nil); errors.As(waitErr, &exitErr) {
		return nil, fmt.Errorf("build.CommandRunner: %s: %w", params.Path, &ExitError{
			ExitCode: exitErr.ExitCode(),
			Tail:     tail.lines(),
		})
	} else if waitErr != nil {
		return nil, Transient(fmt.Errorf("build.CommandRunner: %w", waitErr))
	}
	if scanErr != nil {
		return nil, Transient(fmt.Errorf("build.CommandRunner: read output: %w", scanErr))
	}

	return &CommandRunnerRunResult{ExitCode: 0, Tail: tail.lines()}, nil
}

func (cr *CommandRunner) tailLines() int {
	if cr.TailLines <= 0 {
		return defaultTailLines // default: 50
	}
	return cr.TailLines
}

func scanLines(rd io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Drain the rest so the command doesn't block on a full pipe.
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

// tail keeps the last n lines it was given.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
