package build

import "fmt"

// Backend names a way of turning a build context into a pushed image.
type Backend string

const (
	BackendDocker    Backend = "docker"
	BackendOpenShift Backend = "openshift"
)

func BackendFromString(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendDocker, BackendOpenShift:
		return b, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownBackend)
	}
}
