package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/kiln/internal/build"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownUploadType = errors.New("unknown upload type")
)

type Type string

const (
	TypeZip    Type = "zip"
	TypeDocker Type = "docker"
)

func TypeFromString(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeZip, TypeDocker:
		return t, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownUploadType)
	}
}

// Job is the message the upload queue carries.
// Blob keys are optional and default to the raw paths of the version.
type Job struct {
	UserID    uuid.UUID `json:"userId"`
	VersionID uuid.UUID `json:"versionId"`
	Type      Type      `json:"uploadType"`
	Binary    string    `json:"binary,omitempty"`
	Code      string    `json:"code,omitempty"`
	Docker    string    `json:"docker,omitempty"`
}

type User struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

type Version struct {
	ID           uuid.UUID
	ModelID      uuid.UUID
	ModelName    string
	Name         string
	Built        bool
	Files        VersionFiles
	BuildOptions BuildOptions
	CreatedAt    time.Time
}

// VersionFiles holds the object storage keys of the uploaded files.
type VersionFiles struct {
	RawBinaryPath string
	RawCodePath   string
	RawDockerPath string
}

type BuildOptions struct {
	SeldonVersion string // s2i builder image
}

// Database is the narrow part of the document store the processor needs.
type Database interface {
	build.LogSink

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*Version, error)
	MarkVersionBuilt(ctx context.Context, id uuid.UUID) error

	// LockVersion blocks until no other worker builds the version.
	// The returned func releases the lock.
	LockVersion(ctx context.Context, id uuid.UUID) (unlock func(), err error)
}

// ImageNamer derives image references from model and version names.
type ImageNamer interface {
	ImageRef(model, version string) (string, error)
}

// blobs picks the object storage keys of a job, falling back to the
// keys recorded on the version.
func blobs(job *Job, v *Version) map[build.FileKey]string {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}

	m := make(map[build.FileKey]string)
	add := func(key build.FileKey, blobKey string) {
		if blobKey != "" {
			m[key] = blobKey
		}
	}
	add(build.FileBinary, pick(job.Binary, v.Files.RawBinaryPath))
	add(build.FileCode, pick(job.Code, v.Files.RawCodePath))
	add(build.FileDocker, pick(job.Docker, v.Files.RawDockerPath))
	return m
}
