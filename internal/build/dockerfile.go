package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// modelEnvironment is written to .s2i/environment of the source directory.
// It configures the Seldon Python wrapper the builder images ship.
var modelEnvironment = []string{
	"MODEL_NAME=Model",
	"API_TYPE=REST",
	"SERVICE_TYPE=MODEL",
	"PERSISTENCE=0",
	"PIP_NO_CACHE_DIR=off",
	"INCLUDE_METRICS_IN_CLIENT_RESPONSE=false",
}

var _ Step = (*GetDockerfile)(nil)

// GetDockerfile generates a Dockerfile and its build context from the
// source directory with source-to-image.
type GetDockerfile struct {
	Runner         *CommandRunner // required
	S2IPath        string         // optional, default s2i
	DefaultBuilder string         // required, used when the target has no builder
	BuildRoot      string         // optional, default os.TempDir()
}

func (s *GetDockerfile) Name(r *Run) string {
	return fmt.Sprintf("get dockerfile (%s)", s.builder(r))
}

// Retryable reports true because s2i pulls the builder image and fails
// on registry hiccups.
func (s *GetDockerfile) Retryable() bool { return true }

// Build removes what it created when it fails, since the executor doesn't
// roll back the failed step.
func (s *GetDockerfile) Build(ctx context.Context, r *Run) (err error) {
	sourceDir, err := r.State.RequireSourceDir()
	if err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}
	defer func() {
		if err != nil {
			if cleanupErr := s.Rollback(context.WithoutCancel(ctx), r); cleanupErr != nil {
				r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't clean up: %v", cleanupErr))
			}
		}
	}()

	s2iDir := filepath.Join(sourceDir, ".s2i")
	if err = os.MkdirAll(s2iDir, 0o755); err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}
	environment := strings.Join(modelEnvironment, "\n") + "\n"
	if err = os.WriteFile(filepath.Join(s2iDir, "environment"), []byte(environment), 0o644); err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}

	buildDir := filepath.Join(s.buildRoot(), uuid.NewString())
	if err = os.MkdirAll(buildDir, 0o700); err != nil {
		return Transient(fmt.Errorf("build.GetDockerfile: %w", err))
	}
	if err = r.State.SetBuildDir(buildDir); err != nil {
		_ = os.RemoveAll(buildDir) // not recorded, so Rollback can't see it
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}

	dockerfilePath := filepath.Join(buildDir, "Dockerfile")
	_, err = s.Runner.Run(ctx, r, &CommandRunnerRunParams{
		Step: s.Name(r),
		Path: s.s2iPath(),
		Args: []string{
			"build", sourceDir, s.builder(r),
			"--copy",
			"--as-dockerfile", dockerfilePath,
			"--scripts-url", "image:///s2i/bin",
			"--assemble-user", "root",
		},
	})
	if err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}

	if _, err = os.Stat(dockerfilePath); err != nil {
		return fmt.Errorf("build.GetDockerfile: s2i didn't write a Dockerfile: %w", err)
	}
	if err = r.State.SetDockerfilePath(dockerfilePath); err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}

	return nil
}

// Rollback removes .s2i from the source directory and the build directory.
func (s *GetDockerfile) Rollback(ctx context.Context, r *Run) error {
	var errs []error
	if sourceDir, ok := r.State.SourceDir(); ok {
		errs = append(errs, os.RemoveAll(filepath.Join(sourceDir, ".s2i")))
	}
	if buildDir, ok := r.State.BuildDir(); ok {
		errs = append(errs, os.RemoveAll(buildDir))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("build.GetDockerfile: %w", err)
	}
	return nil
}

// TidyUp is the same as Rollback.
func (s *GetDockerfile) TidyUp(ctx context.Context, r *Run) error {
	return s.Rollback(ctx, r)
}

func (s *GetDockerfile) builder(r *Run) string {
	if r.Target != nil && r.Target.Builder != "" {
		return r.Target.Builder
	}
	return s.DefaultBuilder
}

func (s *GetDockerfile) s2iPath() string {
	if s.S2IPath == "" {
		return "s2i" // default: s2i
	}
	return s.S2IPath
}

func (s *GetDockerfile) buildRoot() string {
	if s.BuildRoot == "" {
		return os.TempDir() // default: os.TempDir()
	}
	return s.BuildRoot
}
