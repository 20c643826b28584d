package ndtiff

import (
	"io"
	"os"
	"path/filepath"
)

// Flag combinations used when opening files through a FileSystem.
const (
	osReadOnly  = os.O_RDONLY
	osReadWrite = os.O_RDWR
	osCreate    = os.O_RDWR | os.O_CREATE
	osAppend    = os.O_WRONLY | os.O_CREATE | os.O_APPEND
)

// File is the capability set the writer and reader need from an open
// file: positioned read/write (the writer pre-allocates with a WriteAt
// at the last byte), seek, sequential write (for appending to the index
// file), and truncate (for Finish()).
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
	io.Writer
	io.Closer
	Truncate(size int64) error
}

// FileSystem is the small capability set spec.md §4.1 asks for: enough
// for readers and writers to be exercised against alternative or
// fault-injecting backends in tests, without hard-coding *os.File
// anywhere in this package.
type FileSystem interface {
	// OpenFile opens path with the given os.O_* flag/perm, creating it
	// (and its parent directory, if missing) when O_CREATE is set.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	// ListDir returns the base names of path's direct children.
	ListDir(path string) ([]string, error)
	// IsDir reports whether path exists and is a directory.
	IsDir(path string) (bool, error)
	// Join joins path elements using the backend's separator.
	Join(elem ...string) string
}

// osFileSystem is the default FileSystem, backed by the host filesystem.
type osFileSystem struct{}

// DefaultFileSystem is the host-filesystem FileSystem implementation.
var DefaultFileSystem FileSystem = osFileSystem{}

func (osFileSystem) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFileSystem) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFileSystem) IsDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (osFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}
