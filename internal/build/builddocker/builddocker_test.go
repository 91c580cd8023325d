package builddocker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/uuid"

	"github.com/k11v/kiln/internal/build"
)

const (
	callImageBuild  = "ImageBuild"
	callImagePush   = "ImagePush"
	callImageRemove = "ImageRemove"
	callDeleteTag   = "DeleteTag"
)

type SpyDocker struct {
	BuildStream string
	PushStream  string
	PushErr     error

	BuildOptions types.ImageBuildOptions
	Calls        *[]string
}

func (d *SpyDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	d.appendCalls(callImageBuild)
	d.BuildOptions = options
	_, _ = io.Copy(io.Discard, buildContext)
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(d.BuildStream))}, nil
}

func (d *SpyDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	d.appendCalls(callImagePush)
	if d.PushErr != nil {
		return nil, d.PushErr
	}
	return io.NopCloser(strings.NewReader(d.PushStream)), nil
}

func (d *SpyDocker) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	d.appendCalls(callImageRemove)
	return nil, nil
}

func (d *SpyDocker) appendCalls(c ...string) {
	if d.Calls == nil {
		d.Calls = new([]string)
	}
	*d.Calls = append(*d.Calls, c...)
}

type SpyRegistry struct {
	Calls *[]string
}

func (reg *SpyRegistry) Push(ctx context.Context, ref string, img v1.Image) error {
	return errors.New("not implemented")
}

func (reg *SpyRegistry) DeleteTag(ctx context.Context, ref string) error {
	*reg.Calls = append(*reg.Calls, callDeleteTag)
	return nil
}

func newTestRun(t *testing.T) *build.Run {
	t.Helper()
	r := build.NewRun(&build.Target{
		VersionID: uuid.New(),
		ImageRef:  "registry.local/internal/model-x:v1",
	}, nil)

	buildDir := t.TempDir()
	dockerfilePath := filepath.Join(buildDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := r.State.SetBuildDir(buildDir); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := r.State.SetDockerfilePath(dockerfilePath); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return r
}

func TestBuildImage(t *testing.T) {
	ctx := context.Background()
	calls := new([]string)
	docker := &SpyDocker{
		BuildStream: `{"stream":"Step 1/1 : FROM scratch\n"}{"stream":"Successfully built abc\n"}`,
		PushStream:  `{"status":"Pushed","id":"abc"}`,
		Calls:       calls,
	}
	step := &BuildImage{Docker: docker, Registry: &SpyRegistry{Calls: calls}}
	r := newTestRun(t)

	if err := step.Build(ctx, r); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !slices.Equal(docker.BuildOptions.Tags, []string{r.Target.ImageRef}) {
		t.Fatalf("got %v tags, want [%s]", docker.BuildOptions.Tags, r.Target.ImageRef)
	}
	if docker.BuildOptions.Dockerfile != "Dockerfile" {
		t.Fatalf("got %q dockerfile, want %q", docker.BuildOptions.Dockerfile, "Dockerfile")
	}
	if ref, ok := r.State.PushedImage(); !ok || ref != r.Target.ImageRef {
		t.Fatalf("got %q %v pushed image, want %q true", ref, ok, r.Target.ImageRef)
	}

	if err := step.TidyUp(ctx, r); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	want := []string{callImageBuild, callImagePush, callImageRemove}
	if !slices.Equal(*calls, want) {
		t.Fatalf("got %v calls, want %v", *calls, want)
	}

	// Rollback after a successful push deletes the tag.
	*calls = nil
	if err := step.Rollback(ctx, r); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	want = []string{callDeleteTag, callImageRemove}
	if !slices.Equal(*calls, want) {
		t.Fatalf("got %v calls, want %v", *calls, want)
	}
}

func TestBuildImageBuildFails(t *testing.T) {
	calls := new([]string)
	docker := &SpyDocker{
		BuildStream: `{"stream":"Step 1/1 : FROM missing\n"}{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}`,
		Calls:       calls,
	}
	step := &BuildImage{Docker: docker, Registry: &SpyRegistry{Calls: calls}}
	r := newTestRun(t)

	err := step.Build(context.Background(), r)
	if err == nil || !strings.Contains(err.Error(), "pull access denied") {
		t.Fatalf("got %v error, want pull access denied", err)
	}
	if build.IsTransient(err) {
		t.Fatal("got transient, want permanent")
	}
	if !slices.Equal(*calls, []string{callImageBuild}) {
		t.Fatalf("got %v calls, want [%s]", *calls, callImageBuild)
	}
}

func TestBuildImagePushFails(t *testing.T) {
	calls := new([]string)
	docker := &SpyDocker{
		BuildStream: `{"stream":"Successfully built abc\n"}`,
		PushStream:  `{"status":"Pushing","id":"abc"}{"errorDetail":{"message":"broken pipe"},"error":"broken pipe"}`,
		Calls:       calls,
	}
	step := &BuildImage{Docker: docker, Registry: &SpyRegistry{Calls: calls}}
	r := newTestRun(t)

	err := step.Build(context.Background(), r)
	if !build.IsTransient(err) {
		t.Fatalf("got %v error, want transient", err)
	}
	if _, ok := r.State.PushedImage(); ok {
		t.Fatal("got pushed image, want none")
	}
	want := []string{callImageBuild, callImagePush, callDeleteTag, callImageRemove}
	if !slices.Equal(*calls, want) {
		t.Fatalf("got %v calls, want %v", *calls, want)
	}
}
