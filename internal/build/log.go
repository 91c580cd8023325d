package build

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

type LogEntry struct {
	RunID     uuid.UUID
	VersionID uuid.UUID
	Step      string
	Seq       int64
	Level     LogLevel
	Message   string
	Time      time.Time
}

// LogSink persists build log entries of a version.
type LogSink interface {
	Append(ctx context.Context, entry *LogEntry) error
}

// Logger writes entries of one run to a LogSink and to slog.
// Entries reach the sink in the order of their sequence numbers.
type Logger struct {
	sink      LogSink // optional
	runID     uuid.UUID
	versionID uuid.UUID
	now       func() time.Time

	mu  sync.Mutex
	seq int64
}

func NewLogger(sink LogSink, runID, versionID uuid.UUID) *Logger {
	return &Logger{
		sink:      sink,
		runID:     runID,
		versionID: versionID,
		now:       time.Now,
	}
}

func (l *Logger) Info(ctx context.Context, step, msg string) {
	l.log(ctx, LogLevelInfo, step, msg)
}

func (l *Logger) Error(ctx context.Context, step, msg string) {
	l.log(ctx, LogLevelError, step, msg)
}

func (l *Logger) log(ctx context.Context, level LogLevel, step, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := &LogEntry{
		RunID:     l.runID,
		VersionID: l.versionID,
		Step:      step,
		Seq:       l.seq,
		Level:     level,
		Message:   msg,
		Time:      l.now(),
	}

	slogLevel := slog.LevelInfo
	if level == LogLevelError {
		slogLevel = slog.LevelError
	}
	slog.Default().Log(ctx, slogLevel, msg,
		"run_id", entry.RunID,
		"version_id", entry.VersionID,
		"step", entry.Step,
		"seq", entry.Seq,
	)

	if l.sink == nil {
		return
	}
	if err := l.sink.Append(context.WithoutCancel(ctx), entry); err != nil {
		slog.Default().Error("didn't append log entry", "run_id", l.runID, "seq", entry.Seq, "err", err)
	}
}
