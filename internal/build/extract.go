package build

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var _ Step = (*ExtractFiles)(nil)

// ExtractFiles unpacks the code archive into <working dir>/source and the
// binary archive, if it was fetched, into <working dir>/source/binary.
// Both directories are created by the step and must not exist beforehand.
type ExtractFiles struct {
	NoTidyUp
	MaxSize int64 // optional, maximum uncompressed size of one archive, default 4GB
}

func (s *ExtractFiles) Name(*Run) string { return "extract files" }
func (s *ExtractFiles) Retryable() bool  { return false }

func (s *ExtractFiles) Build(ctx context.Context, r *Run) error {
	workingDir, err := r.State.RequireWorkingDir()
	if err != nil {
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}
	code, err := r.Files.Require(FileCode)
	if err != nil {
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}

	sourceDir := filepath.Join(workingDir, "source")
	if err = os.Mkdir(sourceDir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = errors.Join(ErrFileExists, err)
		}
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}
	if err = r.State.SetSourceDir(sourceDir); err != nil {
		_ = os.RemoveAll(sourceDir)
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}

	if err = s.extract(code.LocalPath, sourceDir); err != nil {
		return fmt.Errorf("build.ExtractFiles: code: %w", err)
	}
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("extracted %s to %s", code.OriginalName, sourceDir))

	binary, ok := r.Files.Get(FileBinary)
	if !ok {
		return nil
	}
	binaryDir := filepath.Join(sourceDir, "binary")
	if err = os.Mkdir(binaryDir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = errors.Join(ErrCorruptArchive, fmt.Errorf("code archive contains %s", "binary"))
		}
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}
	if err = s.extract(binary.LocalPath, binaryDir); err != nil {
		return fmt.Errorf("build.ExtractFiles: binary: %w", err)
	}
	r.Log.Info(ctx, s.Name(r), fmt.Sprintf("extracted %s to %s", binary.OriginalName, binaryDir))

	return nil
}

func (s *ExtractFiles) Rollback(ctx context.Context, r *Run) error {
	sourceDir, ok := r.State.SourceDir()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(sourceDir); err != nil {
		return fmt.Errorf("build.ExtractFiles: %w", err)
	}
	return nil
}

func (s *ExtractFiles) extract(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Join(ErrCorruptArchive, err)
	}
	defer zr.Close()

	remaining := s.maxSize()
	for _, zf := range zr.File {
		target, err := entryPath(dir, zf.Name)
		if err != nil {
			return err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err = os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		case mode.IsRegular():
		default:
			return errors.Join(ErrCorruptArchive, fmt.Errorf("unsupported entry %s", zf.Name))
		}

		if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		n, err := extractFile(zf, target, remaining)
		if err != nil {
			return err
		}
		remaining -= n
	}

	return nil
}

func extractFile(zf *zip.File, target string, limit int64) (int64, error) {
	rc, err := zf.Open()
	if err != nil {
		return 0, errors.Join(ErrCorruptArchive, err)
	}
	defer rc.Close()

	perm := zf.Mode().Perm() | 0o600
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, os.ErrExist) {
		return 0, errors.Join(ErrCorruptArchive, fmt.Errorf("duplicate entry %s", zf.Name))
	} else if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(rc, limit+1))
	if err != nil {
		return n, errors.Join(ErrCorruptArchive, err)
	}
	if n > limit {
		return n, errors.Join(ErrCorruptArchive, errors.New("archive too large"))
	}

	return n, f.Close()
}

// entryPath resolves name inside dir and rejects names that escape it.
func entryPath(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", errors.Join(ErrCorruptArchive, fmt.Errorf("invalid entry %q", name))
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Join(ErrCorruptArchive, fmt.Errorf("entry %q escapes target", name))
	}
	return target, nil
}

func (s *ExtractFiles) maxSize() int64 {
	if s.MaxSize <= 0 {
		return 4 << 30 // default: 4GB
	}
	return s.MaxSize
}
