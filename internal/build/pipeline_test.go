package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestPipelineDockerPushFails(t *testing.T) {
	ctx := context.Background()
	workRoot := t.TempDir()
	tarPath := filepath.Join(t.TempDir(), "docker.tar")
	writeImageTar(t, tarPath)
	tarBytes, err := os.ReadFile(tarPath)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	reg := &SpyRegistry{PushErr: errors.New("broken pipe")}
	executor := NewExecutor(
		&CreateWorkingDirectory{Root: workRoot},
		&GetRawFiles{
			Store: &StubStore{Blobs: map[string][]byte{"v1/docker.tar": tarBytes}},
			Files: []RawFile{{Key: FileDocker, FileName: "docker.tar"}},
		},
		&PushImageTar{Registry: reg},
	)
	r, sink := newTestRun(&Target{
		ImageRef: testImageRef,
		Blobs:    map[FileKey]string{FileDocker: "v1/docker.tar"},
	})

	res, err := executor.Run(ctx, r)
	if err == nil {
		t.Fatal("got nil error, want non-nil")
	}
	if res.Status != StatusFailed {
		t.Fatalf("got %s status, want %s", res.Status, StatusFailed)
	}
	if !slices.Contains(*reg.Calls, callDeleteTag+" "+testImageRef) {
		t.Fatalf("got %v calls, want tag deleted", *reg.Calls)
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries in work root, want 0", len(entries))
	}

	logged := false
	for _, m := range sink.Messages() {
		if strings.HasPrefix(m, "push image tar: failed:") && strings.Contains(m, "broken pipe") {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("got %v log, want push error", sink.Messages())
	}
}

func TestPipelineZipDockerfileFails(t *testing.T) {
	ctx := context.Background()
	workRoot := t.TempDir()
	buildRoot := t.TempDir()
	s2iPath, _ := fakeS2I(t, 1)

	executor := NewExecutor(
		&CreateWorkingDirectory{Root: workRoot},
		&GetRawFiles{
			Store: &StubStore{Blobs: map[string][]byte{
				"v1/code.zip":   newZip(t, zipEntry{Name: "Model.py", Body: "class Model: pass\n"}),
				"v1/binary.zip": newZip(t, zipEntry{Name: "weights.bin", Body: "0101"}),
			}},
			Files: []RawFile{
				{Key: FileBinary, FileName: "binary.zip", Optional: true},
				{Key: FileCode, FileName: "code.zip"},
			},
		},
		&ExtractFiles{},
		&GetDockerfile{
			Runner:         &CommandRunner{},
			S2IPath:        s2iPath,
			DefaultBuilder: "seldonio/default:1",
			BuildRoot:      buildRoot,
		},
	)
	r, _ := newTestRun(&Target{
		ImageRef: testImageRef,
		Blobs: map[FileKey]string{
			FileCode:   "v1/code.zip",
			FileBinary: "v1/binary.zip",
		},
	})

	res, err := executor.Run(ctx, r)
	if err == nil {
		t.Fatal("got nil error, want non-nil")
	}
	if !res.Retryable {
		t.Fatal("got false, want retryable result")
	}
	if res.LastCompletedStep != 2 {
		t.Fatalf("got %d last completed step, want 2", res.LastCompletedStep)
	}

	for _, dir := range []string{workRoot, buildRoot} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(entries) != 0 {
			t.Fatalf("got %d entries in %s, want 0", len(entries), dir)
		}
	}
}
