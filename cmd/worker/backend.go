package main

import (
	"errors"
	"fmt"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/build/builddocker"
	"github.com/k11v/kiln/internal/build/buildopenshift"
	"github.com/k11v/kiln/internal/registry"
)

// newImageBuildStep creates the image build step of the configured backend.
// It is called once at startup.
func newImageBuildStep(cfg *config, reg *registry.Client) (build.Step, error) {
	backend, err := build.BackendFromString(cfg.Build.Backend)
	if err != nil {
		return nil, err
	}

	switch backend {
	case build.BackendDocker:
		docker, err := builddocker.NewClient()
		if err != nil {
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		auth, err := builddocker.EncodeAuth(cfg.Registry.Host, cfg.Registry.Username, cfg.Registry.Password)
		if err != nil {
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		return &builddocker.BuildImage{
			Docker:       docker,
			Registry:     reg,
			RegistryAuth: auth,
		}, nil

	case build.BackendOpenShift:
		if cfg.OpenShift.Namespace == "" {
			return nil, errors.New("openshift backend: missing KILN_OPENSHIFT_NAMESPACE")
		}
		service, err := buildopenshift.NewClient(&cfg.OpenShift)
		if err != nil {
			return nil, fmt.Errorf("openshift backend: %w", err)
		}
		return &buildopenshift.BuildImage{
			Service:      service,
			Registry:     reg,
			PushSecret:   cfg.OpenShift.PushSecret,
			PollInterval: cfg.OpenShift.PollInterval,
			Timeout:      cfg.OpenShift.Timeout,
		}, nil

	default:
		return nil, fmt.Errorf("%q: %w", backend, build.ErrUnknownBackend)
	}
}
