package build

import (
	"errors"
	"testing"
)

func TestStateSetOnce(t *testing.T) {
	s := &State{}

	if _, err := s.RequireWorkingDir(); !errors.Is(err, ErrStateNotSet) {
		t.Fatalf("got %v error, want %v", err, ErrStateNotSet)
	}
	if err := s.SetWorkingDir("/a"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := s.SetWorkingDir("/b"); !errors.Is(err, ErrStateAlreadySet) {
		t.Fatalf("got %v error, want %v", err, ErrStateAlreadySet)
	}
	got, err := s.RequireWorkingDir()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got != "/a" {
		t.Fatalf("got %q, want %q", got, "/a")
	}
}

func TestStateTakePushedImage(t *testing.T) {
	s := &State{}
	if err := s.SetPushedImage("registry.local/internal/m:v1"); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	ref, ok := s.TakePushedImage()
	if !ok || ref != "registry.local/internal/m:v1" {
		t.Fatalf("got %q %v, want %q true", ref, ok, "registry.local/internal/m:v1")
	}
	if _, ok = s.TakePushedImage(); ok {
		t.Fatal("got true, want false after take")
	}
	if err := s.SetPushedImage("registry.local/internal/m:v1"); err != nil {
		t.Fatalf("didn't want %q after take", err)
	}
}

func TestFilesPut(t *testing.T) {
	files := make(Files)
	if _, err := files.Require(FileCode); !errors.Is(err, ErrFileNotFetched) {
		t.Fatalf("got %v error, want %v", err, ErrFileNotFetched)
	}
	if err := files.put(FileCode, &FileRef{LocalPath: "/a"}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := files.put(FileCode, &FileRef{LocalPath: "/b"}); !errors.Is(err, ErrFileExists) {
		t.Fatalf("got %v error, want %v", err, ErrFileExists)
	}
}

func TestTransient(t *testing.T) {
	base := errors.New("base")
	if IsTransient(base) {
		t.Fatal("got true, want false for unmarked error")
	}

	err := Transient(base)
	if !IsTransient(err) {
		t.Fatal("got false, want true for marked error")
	}
	if !errors.Is(err, base) {
		t.Fatal("got false, want marked error to wrap base")
	}
	if wrapped := errors.Join(errors.New("other"), err); !IsTransient(wrapped) {
		t.Fatal("got false, want true for joined error")
	}
	if Transient(nil) != nil {
		t.Fatal("got non-nil, want nil")
	}
}
