package upload

import (
	"fmt"

	"github.com/k11v/kiln/internal/build"
)

type PipelinesConfig struct {
	Store          build.BlobStore      // required
	Registry       build.Registry       // required
	Runner         *build.CommandRunner // required
	ImageBuild     build.Step           // required, the configured build backend
	WorkRoot       string               // optional
	S2IPath        string               // optional
	DefaultBuilder string               // required
}

// Pipelines holds the step lists of every upload type.
// Steps don't keep per-run data, so the lists are shared by all runs.
type Pipelines struct {
	zip    []build.Step
	docker []build.Step
}

func NewPipelines(cfg *PipelinesConfig) *Pipelines {
	createWorkingDirectory := &build.CreateWorkingDirectory{Root: cfg.WorkRoot}

	zip := []build.Step{
		createWorkingDirectory,
		&build.GetRawFiles{
			Store: cfg.Store,
			Files: []build.RawFile{
				{Key: build.FileBinary, FileName: "binary.zip", Optional: true},
				{Key: build.FileCode, FileName: "code.zip"},
			},
		},
		&build.ExtractFiles{},
		&build.GetDockerfile{
			Runner:         cfg.Runner,
			S2IPath:        cfg.S2IPath,
			DefaultBuilder: cfg.DefaultBuilder,
			BuildRoot:      cfg.WorkRoot,
		},
		cfg.ImageBuild,
	}

	docker := []build.Step{
		createWorkingDirectory,
		&build.GetRawFiles{
			Store: cfg.Store,
			Files: []build.RawFile{
				{Key: build.FileDocker, FileName: "docker.tar"},
			},
		},
		&build.PushImageTar{Registry: cfg.Registry},
	}

	return &Pipelines{zip: zip, docker: docker}
}

// Steps returns the steps for uploads of type t.
func (p *Pipelines) Steps(t Type) ([]build.Step, error) {
	switch t {
	case TypeZip:
		return p.zip, nil
	case TypeDocker:
		return p.docker, nil
	default:
		return nil, fmt.Errorf("%q: %w", t, ErrUnknownUploadType)
	}
}
