package build

import (
	"context"
	"errors"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Registry stores images under tags.
//
// DeleteTag must succeed when the tag doesn't exist.
type Registry interface {
	Push(ctx context.Context, ref string, img v1.Image) error
	DeleteTag(ctx context.Context, ref string) error
}

// ClassifyRegistryError marks registry errors the registry itself reported
// as temporary, and errors that never reached the registry, as transient.
func ClassifyRegistryError(err error) error {
	if err == nil {
		return nil
	}
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		if transportErr.Temporary() {
			return Transient(err)
		}
		return err
	}
	return Transient(err)
}

// DeletePushedImage deletes the tag a step of r pushed, if any.
// The tag is forgotten once deleted so it is never deleted twice.
func DeletePushedImage(ctx context.Context, r *Run, reg Registry, step string) error {
	ref, ok := r.State.TakePushedImage()
	if !ok {
		return nil
	}
	if err := reg.DeleteTag(ctx, ref); err != nil {
		_ = r.State.SetPushedImage(ref)
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	r.Log.Info(ctx, step, fmt.Sprintf("deleted %s", ref))
	return nil
}

var _ Step = (*PushImageTar)(nil)

// PushImageTar pushes an uploaded image tarball, as written by docker save,
// to the target image reference.
type PushImageTar struct {
	NoTidyUp
	Registry Registry // required
}

func (s *PushImageTar) Name(*Run) string { return "push image tar" }
func (s *PushImageTar) Retryable() bool  { return false }

func (s *PushImageTar) Build(ctx context.Context, r *Run) error {
	tar, err := r.Files.Require(FileDocker)
	if err != nil {
		return fmt.Errorf("build.PushImageTar: %w", err)
	}

	img, err := tarball.ImageFromPath(tar.LocalPath, nil)
	if err != nil {
		return fmt.Errorf("build.PushImageTar: %w", errors.Join(ErrCorruptArchive, err))
	}
	if _, err = img.Manifest(); err != nil {
		return fmt.Errorf("build.PushImageTar: %w", errors.Join(ErrCorruptArchive, err))
	}

	ref := r.Target.ImageRef
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("pushing %s", ref))
	if err = s.Registry.Push(ctx, ref, img); err != nil {
		// The tag may be visible already if only the last request failed.
		if delErr := s.Registry.DeleteTag(context.WithoutCancel(ctx), ref); delErr != nil {
			r.Log.Error(ctx, s.Name(r), fmt.Sprintf("didn't delete %s: %v", ref, delErr))
		}
		return fmt.Errorf("build.PushImageTar: %w", ClassifyRegistryError(err))
	}
	if err = r.State.SetPushedImage(ref); err != nil {
		return fmt.Errorf("build.PushImageTar: %w", err)
	}

	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("pushed %s", ref))
	return nil
}

func (s *PushImageTar) Rollback(ctx context.Context, r *Run) error {
	if err := DeletePushedImage(ctx, r, s.Registry, s.Name(r)); err != nil {
		return fmt.Errorf("build.PushImageTar: %w", err)
	}
	return nil
}
