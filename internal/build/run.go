package build

import "github.com/google/uuid"

// Target describes the version a run builds an image for.
type Target struct {
	VersionID uuid.UUID
	ImageRef  string             // required, e.g. registry.local/internal/model-x:v1
	Builder   string             // s2i builder image, empty for the default
	Blobs     map[FileKey]string // object storage keys of the uploaded files
}

// Run is one execution of a pipeline. It is created fresh for every attempt.
type Run struct {
	ID     uuid.UUID
	Target *Target
	Files  Files
	State  *State
	Log    *Logger
}

func NewRun(target *Target, sink LogSink) *Run {
	id := uuid.New()
	return &Run{
		ID:     id,
		Target: target,
		Files:  make(Files),
		State:  &State{},
		Log:    NewLogger(sink, id, target.VersionID),
	}
}
