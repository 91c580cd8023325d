package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore reads uploaded blobs.
//
// Fetch returns an error wrapping ErrBlobNotFound if the key doesn't exist.
// Any other error is considered a connectivity problem.
type BlobStore interface {
	Fetch(ctx context.Context, key string, w io.Writer) error
}

// RawFile names a blob GetRawFiles fetches.
type RawFile struct {
	Key      FileKey // required, the blob key is looked up in Target.Blobs
	FileName string  // required, e.g. code.zip
	Optional bool    // optional, skip the file if the target has no blob for it
}

var _ Step = (*GetRawFiles)(nil)

// GetRawFiles downloads uploaded blobs into the raw subdirectory of the
// working directory and records them in Run.Files.
type GetRawFiles struct {
	NoTidyUp
	Store BlobStore // required
	Files []RawFile // required
}

func (s *GetRawFiles) Name(*Run) string { return "get raw files" }
func (s *GetRawFiles) Retryable() bool  { return false }

func (s *GetRawFiles) Build(ctx context.Context, r *Run) error {
	workingDir, err := r.State.RequireWorkingDir()
	if err != nil {
		return fmt.Errorf("build.GetRawFiles: %w", err)
	}

	rawDir := filepath.Join(workingDir, "raw")
	if err = os.MkdirAll(rawDir, 0o700); err != nil {
		return Transient(fmt.Errorf("build.GetRawFiles: %w", err))
	}

	for _, f := range s.Files {
		blobKey, ok := r.Target.Blobs[f.Key]
		if !ok || blobKey == "" {
			if f.Optional {
				continue
			}
			return fmt.Errorf("build.GetRawFiles: %s: %w", f.Key, ErrBlobNotFound)
		}

		localPath := filepath.Join(rawDir, filepath.Base(f.FileName))
		if err = s.fetch(ctx, blobKey, localPath); err != nil {
			return fmt.Errorf("build.GetRawFiles: %s: %w", f.Key, err)
		}

		err = r.Files.put(f.Key, &FileRef{
			LocalPath:    localPath,
			RemoteKey:    blobKey,
			OriginalName: f.FileName,
		})
		if err != nil {
			_ = os.Remove(localPath)
			return fmt.Errorf("build.GetRawFiles: %w", err)
		}
		r.Log.Info(ctx, s.Name(r), fmt.Sprintf("fetched %s to %s", blobKey, localPath))
	}

	return nil
}

func (s *GetRawFiles) fetch(ctx context.Context, blobKey, localPath string) error {
	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	err = s.Store.Fetch(ctx, blobKey, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		if !errors.Is(err, ErrBlobNotFound) {
			err = Transient(err)
		}
		return err
	}

	return nil
}

// Rollback removes the fetched files and forgets them.
func (s *GetRawFiles) Rollback(ctx context.Context, r *Run) error {
	var errs []error
	for _, f := range s.Files {
		ref, ok := r.Files.Get(f.Key)
		if !ok {
			continue
		}
		if err := os.Remove(ref.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(r.Files, f.Key)
	}

	if workingDir, ok := r.State.WorkingDir(); ok {
		err := os.Remove(filepath.Join(workingDir, "raw"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("build.GetRawFiles: %w", err)
	}
	return nil
}
