package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var _ Step = (*CreateWorkingDirectory)(nil)

// CreateWorkingDirectory creates a directory only the current run uses.
type CreateWorkingDirectory struct {
	Root string // optional, default os.TempDir()
}

func (s *CreateWorkingDirectory) Name(*Run) string { return "create working directory" }
func (s *CreateWorkingDirectory) Retryable() bool  { return false }

func (s *CreateWorkingDirectory) Build(ctx context.Context, r *Run) error {
	root := s.root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Transient(fmt.Errorf("build.CreateWorkingDirectory: %w", err))
	}

	dir := filepath.Join(root, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return Transient(fmt.Errorf("build.CreateWorkingDirectory: %w", err))
	}
	if err := r.State.SetWorkingDir(dir); err != nil {
		_ = os.Remove(dir)
		return fmt.Errorf("build.CreateWorkingDirectory: %w", err)
	}

	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("created %s", dir))
	return nil
}

func (s *CreateWorkingDirectory) Rollback(ctx context.Context, r *Run) error {
	return s.remove(r)
}

func (s *CreateWorkingDirectory) TidyUp(ctx context.Context, r *Run) error {
	return s.remove(r)
}

func (s *CreateWorkingDirectory) remove(r *Run) error {
	dir, ok := r.State.WorkingDir()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("build.CreateWorkingDirectory: %w", err)
	}
	return nil
}

func (s *CreateWorkingDirectory) root() string {
	if s.Root == "" {
		return os.TempDir() // default: os.TempDir()
	}
	return s.Root
}
