package build

import "fmt"

// State is the scratch space steps of one run share.
//
// Every value is written once by the step that produces it and read by
// later steps. Getters report whether the value has been set; Require*
// getters turn an unset value into ErrStateNotSet.
type State struct {
	workingDir     slot[string]
	sourceDir      slot[string]
	buildDir       slot[string]
	dockerfilePath slot[string]
	managedBuild   slot[string]
	pushedImage    slot[string]
}

type slot[T comparable] struct {
	value T
	set   bool
}

func (s *slot[T]) put(name string, v T) error {
	if s.set {
		return fmt.Errorf("%s: %w", name, ErrStateAlreadySet)
	}
	s.value, s.set = v, true
	return nil
}

func (s *slot[T]) get() (T, bool) {
	return s.value, s.set
}

func (s *slot[T]) require(name string) (T, error) {
	if !s.set {
		var zero T
		return zero, fmt.Errorf("%s: %w", name, ErrStateNotSet)
	}
	return s.value, nil
}

const (
	keyWorkingDir     = "working_dir"
	keySourceDir      = "source_dir"
	keyBuildDir       = "build_dir"
	keyDockerfilePath = "dockerfile_path"
	keyManagedBuild   = "managed_build"
	keyPushedImage    = "pushed_image"
)

func (s *State) SetWorkingDir(v string) error { return s.workingDir.put(keyWorkingDir, v) }
func (s *State) WorkingDir() (string, bool) { return s.workingDir.get() }
func (s *State) RequireWorkingDir() (string, error) { return s.workingDir.require(keyWorkingDir) }

// SetSourceDir records the directory the code archive is extracted to.
func (s *State) SetSourceDir(v string) error { return s.sourceDir.put(keySourceDir, v) }
func (s *State) SourceDir() (string, bool) { return s.sourceDir.get() }
func (s *State) RequireSourceDir() (string, error) { return s.sourceDir.require(keySourceDir) }

// SetBuildDir records the build context generated from the source directory.
func (s *State) SetBuildDir(v string) error { return s.buildDir.put(keyBuildDir, v) }
func (s *State) BuildDir() (string, bool) { return s.buildDir.get() }
func (s *State) RequireBuildDir() (string, error) { return s.buildDir.require(keyBuildDir) }

func (s *State) SetDockerfilePath(v string) error { return s.dockerfilePath.put(keyDockerfilePath, v) }
func (s *State) DockerfilePath() (string, bool) { return s.dockerfilePath.get() }
func (s *State) RequireDockerfilePath() (string, error) {
	return s.dockerfilePath.require(keyDockerfilePath)
}

// SetManagedBuild records the name of the build submitted to a build platform.
func (s *State) SetManagedBuild(v string) error { return s.managedBuild.put(keyManagedBuild, v) }
func (s *State) ManagedBuild() (string, bool) { return s.managedBuild.get() }

// SetPushedImage records that ref is visible in the registry.
func (s *State) SetPushedImage(ref string) error { return s.pushedImage.put(keyPushedImage, ref) }
func (s *State) PushedImage() (string, bool) { return s.pushedImage.get() }

// TakePushedImage returns the pushed image and forgets it, so that only one
// caller ever deletes the tag.
func (s *State) TakePushedImage() (string, bool) {
	ref, ok := s.pushedImage.get()
	s.pushedImage = slot[string]{}
	return ref, ok
}

// Snapshot returns the values that are set, keyed by name.
func (s *State) Snapshot() map[string]string {
	m := make(map[string]string)
	add := func(name string, sl slot[string]) {
		if v, ok := sl.get(); ok {
			m[name] = v
		}
	}
	add(keyWorkingDir, s.workingDir)
	add(keySourceDir, s.sourceDir)
	add(keyBuildDir, s.buildDir)
	add(keyDockerfilePath, s.dockerfilePath)
	add(keyManagedBuild, s.managedBuild)
	add(keyPushedImage, s.pushedImage)
	return m
}
