// Package registry pushes and deletes images in an OCI registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/k11v/kiln/internal/build"
)

// Config holds registry settings.
type Config struct {
	Host     string `env:"HOST,required"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Insecure bool   `env:"INSECURE"` // plain HTTP
}

var _ build.Registry = (*Client)(nil)

type Client struct {
	host     string
	auth     authn.Authenticator
	insecure bool
}

func NewClient(cfg *Config) *Client {
	var auth authn.Authenticator = authn.Anonymous
	if cfg.Username != "" {
		auth = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}
	return &Client{
		host:     cfg.Host,
		auth:     auth,
		insecure: cfg.Insecure,
	}
}

// ImageRef returns the reference images of a model version are pushed to:
// <host>/internal/<model>:<version>.
func (c *Client) ImageRef(model, version string) (string, error) {
	ref := fmt.Sprintf("%s/internal/%s:%s", c.host, model, version)
	tag, err := name.NewTag(ref, c.nameOptions()...)
	if err != nil {
		return "", fmt.Errorf("registry.Client: %w", err)
	}
	return tag.String(), nil
}

// Push implements build.Registry.
func (c *Client) Push(ctx context.Context, ref string, img v1.Image) error {
	tag, err := name.NewTag(ref, c.nameOptions()...)
	if err != nil {
		return fmt.Errorf("registry.Client: %w", err)
	}
	if err = remote.Write(tag, img, c.remoteOptions(ctx)...); err != nil {
		return fmt.Errorf("registry.Client: push %s: %w", ref, err)
	}
	return nil
}

// DeleteTag implements build.Registry.
//
// Registries that don't support deleting tags get the manifest deleted by
// digest instead, which removes the tag too. A missing tag isn't an error.
func (c *Client) DeleteTag(ctx context.Context, ref string) error {
	tag, err := name.NewTag(ref, c.nameOptions()...)
	if err != nil {
		return fmt.Errorf("registry.Client: %w", err)
	}

	desc, err := remote.Head(tag, c.remoteOptions(ctx)...)
	if isNotFound(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("registry.Client: delete %s: %w", ref, err)
	}

	err = remote.Delete(tag, c.remoteOptions(ctx)...)
	if err == nil || isNotFound(err) {
		return nil
	}

	digest := tag.Context().Digest(desc.Digest.String())
	err = remote.Delete(digest, c.remoteOptions(ctx)...)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("registry.Client: delete %s: %w", ref, err)
	}
	return nil
}

// Exists reports whether ref resolves to a manifest.
func (c *Client) Exists(ctx context.Context, ref string) (bool, error) {
	tag, err := name.NewTag(ref, c.nameOptions()...)
	if err != nil {
		return false, fmt.Errorf("registry.Client: %w", err)
	}
	_, err = remote.Head(tag, c.remoteOptions(ctx)...)
	if isNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("registry.Client: %w", err)
	}
	return true, nil
}

func (c *Client) nameOptions() []name.Option {
	if c.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(c.auth),
	}
}

func isNotFound(err error) bool {
	var transportErr *transport.Error
	if !errors.As(err, &transportErr) {
		return false
	}
	if transportErr.StatusCode == http.StatusNotFound {
		return true
	}
	for _, d := range transportErr.Errors {
		if d.Code == transport.ManifestUnknownErrorCode || d.Code == transport.NameUnknownErrorCode {
			return true
		}
	}
	return false
}
