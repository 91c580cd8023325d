package build

import "fmt"

type FileKey string

const (
	FileCode   FileKey = "code"
	FileBinary FileKey = "binary"
	FileDocker FileKey = "docker"
)

func FileKeyFromString(s string) (key FileKey, known bool) {
	switch k := FileKey(s); k {
	case FileCode, FileBinary, FileDocker:
		return k, true
	default:
		return "", false
	}
}

// FileRef points at a blob that was fetched to local disk.
type FileRef struct {
	LocalPath    string
	RemoteKey    string
	OriginalName string
}

// Files maps logical keys to fetched files.
// A missing key means the file hasn't been fetched yet.
type Files map[FileKey]*FileRef

func (f Files) Get(key FileKey) (*FileRef, bool) {
	ref, ok := f[key]
	return ref, ok
}

func (f Files) Require(key FileKey) (*FileRef, error) {
	ref, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrFileNotFetched)
	}
	return ref, nil
}

func (f Files) put(key FileKey, ref *FileRef) error {
	if _, ok := f[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrFileExists)
	}
	f[key] = ref
	return nil
}
