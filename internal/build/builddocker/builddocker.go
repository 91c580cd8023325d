// Package builddocker builds images with a Docker Engine and pushes them.
package builddocker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/k11v/kiln/internal/build"
)

// DockerClient is the part of *client.Client the step uses.
type DockerClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
}

var _ DockerClient = (*client.Client)(nil)

// NewClient connects to the Docker Engine configured by the DOCKER_* environment variables.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// EncodeAuth encodes registry credentials for image.PushOptions.
func EncodeAuth(serverAddress, username, password string) (string, error) {
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: serverAddress,
	})
}

var _ build.Step = (*BuildImage)(nil)

// BuildImage builds the generated Dockerfile with a Docker Engine and pushes
// the image to the target reference.
type BuildImage struct {
	Docker       DockerClient   // required
	Registry     build.Registry // required, deletes pushed tags on rollback
	RegistryAuth string         // optional, see EncodeAuth
}

func (s *BuildImage) Name(*build.Run) string { return "build image (docker)" }
func (s *BuildImage) Retryable() bool        { return false }

func (s *BuildImage) Build(ctx context.Context, r *build.Run) error {
	buildDir, err := r.State.RequireBuildDir()
	if err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}
	dockerfilePath, err := r.State.RequireDockerfilePath()
	if err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}
	ref := r.Target.ImageRef

	if err = s.build(ctx, r, buildDir, dockerfilePath, ref); err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}

	if err = s.push(ctx, r, ref); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if delErr := s.Registry.DeleteTag(cleanupCtx, ref); delErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't delete %s: %v", ref, delErr))
		}
		if rmErr := s.removeLocal(cleanupCtx, r); rmErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't remove local image: %v", rmErr))
		}
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}
	if err = r.State.SetPushedImage(ref); err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}

	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("pushed %s", ref))
	return nil
}

func (s *BuildImage) build(ctx context.Context, r *build.Run, buildDir, dockerfilePath, ref string) error {
	buildContext, err := archive.TarWithOptions(buildDir, &archive.TarOptions{})
	if err != nil {
		return err
	}
	defer buildContext.Close()

	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("building %s", ref))
	resp, err := s.Docker.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  filepath.Base(dockerfilePath),
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return build.Transient(err)
	}
	defer resp.Body.Close()

	return readMessages(ctx, r, s.Name(r), resp.Body)
}

func (s *BuildImage) push(ctx context.Context, r *build.Run, ref string) error {
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("pushing %s", ref))
	body, err := s.Docker.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: s.RegistryAuth})
	if err != nil {
		return build.Transient(err)
	}
	defer body.Close()

	if err = readMessages(ctx, r, s.Name(r), body); err != nil {
		var streamErr *jsonmessage.JSONError
		if errors.As(err, &streamErr) {
			// The engine reports registry failures in the stream.
			return build.Transient(err)
		}
		return err
	}
	return nil
}

// Rollback deletes the pushed tag and the local image.
func (s *BuildImage) Rollback(ctx context.Context, r *build.Run) error {
	var errs []error
	if err := build.DeletePushedImage(ctx, r, s.Registry, s.Name(r)); err != nil {
		errs = append(errs, err)
	}
	if err := s.removeLocal(ctx, r); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}
	return nil
}

// TidyUp removes the local image. The pushed image stays.
func (s *BuildImage) TidyUp(ctx context.Context, r *build.Run) error {
	if err := s.removeLocal(ctx, r); err != nil {
		return fmt.Errorf("builddocker.BuildImage: %w", err)
	}
	return nil
}

func (s *BuildImage) removeLocal(ctx context.Context, r *build.Run) error {
	_, err := s.Docker.ImageRemove(ctx, r.Target.ImageRef, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// readMessages logs the JSON message stream the engine answers build and
// push requests with. It returns the first error message in the stream.
func readMessages(ctx context.Context, r *build.Run, step string, body io.Reader) error {
	dec := json.NewDecoder(body)
	for {
		var m jsonmessage.JSONMessage
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return build.Transient(err)
		}

		if m.Error != nil {
			r.Log.Error(ctx, step, m.Error.Message)
			return m.Error
		}
		if line := strings.TrimRight(m.Stream, "\n"); line != "" {
			r.Log.Info(ctx, step, line)
		}
		if m.Status != "" && m.Progress == nil {
			if m.ID != "" {
				r.Log.Info(ctx, step, m.ID+": "+m.Status)
			} else {
				r.Log.Info(ctx, step, m.Status)
			}
		}
	}
}
