package buildopenshift

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/archive"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/k11v/kiln/internal/build"
)

var ErrBuildFailed = errors.New("managed build failed")

var _ build.Step = (*BuildImage)(nil)

// BuildImage submits the generated build context to OpenShift and waits
// for the build. OpenShift pushes the image itself.
type BuildImage struct {
	Service      Service        // required
	Registry     build.Registry // required, deletes pushed tags on rollback
	PushSecret   string         // optional
	PollInterval time.Duration  // optional, default 5s
	Timeout      time.Duration  // optional, default 30m
}

func (s *BuildImage) Name(*build.Run) string { return "build image (openshift)" }
func (s *BuildImage) Retryable() bool        { return false }

// Build removes the build config when it fails, since the executor doesn't
// tidy up the failed step.
func (s *BuildImage) Build(ctx context.Context, r *build.Run) (err error) {
	buildDir, err := r.State.RequireBuildDir()
	if err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	dockerfilePath, err := r.State.RequireDockerfilePath()
	if err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	relDockerfilePath, err := filepath.Rel(buildDir, dockerfilePath)
	if err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	ref := r.Target.ImageRef

	configName := buildConfigName(r)
	err = s.Service.ApplyBuildConfig(ctx, &ServiceApplyBuildConfigParams{
		Name:           configName,
		ImageRef:       ref,
		DockerfilePath: filepath.ToSlash(relDockerfilePath),
		PushSecret:     s.PushSecret,
	})
	if err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", build.Transient(err))
	}
	defer func() {
		if err == nil {
			return
		}
		if delErr := s.Service.DeleteBuildConfig(context.WithoutCancel(ctx), configName); delErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't delete build config %s: %v", configName, delErr))
		}
	}()

	buildName, err := s.instantiate(ctx, buildDir, configName)
	if err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", build.Transient(err))
	}
	if err = r.State.SetManagedBuild(buildName); err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("started build %s for %s", buildName, ref))

	status, err := s.wait(ctx, r, buildName)
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if cancelErr := s.Service.CancelBuild(cleanupCtx, buildName); cancelErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't cancel build %s: %v", buildName, cancelErr))
		}
		// The build may have pushed before it was reported as failed.
		if delErr := s.Registry.DeleteTag(cleanupCtx, ref); delErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't delete %s: %v", ref, delErr))
		}
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}

	if err = r.State.SetPushedImage(ref); err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("build %s %s, pushed %s", buildName, status.Phase, ref))
	return nil
}

func (s *BuildImage) instantiate(ctx context.Context, buildDir, configName string) (string, error) {
	tar, err := archive.TarWithOptions(buildDir, &archive.TarOptions{Compression: archive.Gzip})
	if err != nil {
		return "", err
	}
	defer tar.Close()

	return s.Service.InstantiateBinary(ctx, configName, tar)
}

// wait polls the build until it is done. Failed builds are permanent
// errors. Running out of time is a transient one, unless ctx itself is done.
func (s *BuildImage) wait(ctx context.Context, r *build.Run, buildName string) (*BuildStatus, error) {
	var last *BuildStatus
	err := wait.PollUntilContextTimeout(ctx, s.pollInterval(), s.timeout(), true, func(ctx context.Context) (bool, error) {
		status, err := s.Service.GetBuildStatus(ctx, buildName)
		if err != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't get build %s: %v", buildName, err))
			return false, nil
		}
		if last == nil || last.Phase != status.Phase {
			r.Log.Info(ctx, s.Name(r), fmt.Sprintf("build %s is %s", buildName, status.Phase))
		}
		last = status
		return status.Phase.Done(), nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if wait.Interrupted(err) {
			return nil, build.Transient(fmt.Errorf("build %s didn't finish in %s: %w", buildName, s.timeout(), err))
		}
		return nil, err
	}

	if last.Phase != PhaseComplete {
		return last, fmt.Errorf("build %s: %w: %s %s %s", buildName, ErrBuildFailed, last.Phase, last.Reason, last.Message)
	}
	return last, nil
}

// Rollback cancels the build if it still runs and deletes the pushed tag.
func (s *BuildImage) Rollback(ctx context.Context, r *build.Run) error {
	var errs []error
	if buildName, ok := r.State.ManagedBuild(); ok {
		errs = append(errs, s.Service.CancelBuild(ctx, buildName))
	}
	errs = append(errs, build.DeletePushedImage(ctx, r, s.Registry, s.Name(r)))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	return nil
}

// TidyUp deletes the build config together with its builds.
func (s *BuildImage) TidyUp(ctx context.Context, r *build.Run) error {
	if err := s.Service.DeleteBuildConfig(ctx, buildConfigName(r)); err != nil {
		return fmt.Errorf("buildopenshift.BuildImage: %w", err)
	}
	return nil
}

func (s *BuildImage) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return 5 * time.Second // default: 5s
	}
	return s.PollInterval
}

func (s *BuildImage) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Minute // default: 30m
	}
	return s.Timeout
}

// buildConfigName is unique per run.
func buildConfigName(r *build.Run) string {
	return "kiln-" + r.ID.String()
}
