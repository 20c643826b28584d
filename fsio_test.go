package ndtiff_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micro-manager/ndtiff"
)

func TestDefaultFileSystemRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "a.bin")

	f, err := ndtiff.DefaultFileSystem.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	f2, err := ndtiff.DefaultFileSystem.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer f2.Close()

	buf := make([]byte, 5)
	if _, err := f2.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %s", err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want %q", buf, "hello")
	}
}

func TestDefaultFileSystemIsDirAndListDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	isDir, err := ndtiff.DefaultFileSystem.IsDir(sub)
	if err != nil || !isDir {
		t.Errorf("IsDir(sub) = %v, %v; want true, nil", isDir, err)
	}
	isDir, err = ndtiff.DefaultFileSystem.IsDir(filepath.Join(dir, "x.txt"))
	if err != nil || isDir {
		t.Errorf("IsDir(file) = %v, %v; want false, nil", isDir, err)
	}

	names, err := ndtiff.DefaultFileSystem.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir: %s", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["sub"] || !found["x.txt"] {
		t.Errorf("ListDir(%s) = %v, missing expected entries", dir, names)
	}
}

// faultFileSystem wraps another FileSystem and injects an error from
// OpenFile once errAfter opens have succeeded, matching the
// mockReader.errAt pattern the teacher uses to simulate I/O failures.
type faultFileSystem struct {
	ndtiff.FileSystem
	opens    int
	errAfter int
	err      error
}

func (f *faultFileSystem) OpenFile(path string, flag int, perm os.FileMode) (ndtiff.File, error) {
	f.opens++
	if f.opens > f.errAfter {
		return nil, f.err
	}
	return f.FileSystem.OpenFile(path, flag, perm)
}

func TestFaultFileSystemInjection(t *testing.T) {
	dir := t.TempDir()
	fsys := &faultFileSystem{FileSystem: ndtiff.DefaultFileSystem, errAfter: 0, err: os.ErrPermission}

	_, err := fsys.OpenFile(filepath.Join(dir, "a"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != os.ErrPermission {
		t.Fatalf("expected injected error, got %v", err)
	}
}
