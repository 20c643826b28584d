package ndtiff

import "fmt"

// Open dispatches on the shape of the directory at path, per spec.md
// §4.5 "Dispatching opener": a "Full resolution" subdirectory whose
// major-version header word is 3 means a pyramid composite; a top-level
// NDTiff.index means a flat dataset; anything else fails with
// ErrNoIndex.
//
// Grounded on squashfs's top-level list_squashfs.go Open convenience
// plus the magic/version branch already present in super.go's
// UnmarshalBinary, generalized from switching on a leading magic number
// to switching on directory shape.
func Open(fsys FileSystem, path string) (interface{}, error) {
	if isDir, err := fsys.IsDir(fsys.Join(path, fullResolutionDir)); err == nil && isDir {
		names, err := fsys.ListDir(fsys.Join(path, fullResolutionDir))
		if err != nil {
			return nil, fmt.Errorf("ndtiff: listing %s: %w", fullResolutionDir, err)
		}
		var probe string
		for _, name := range names {
			if isTiffName(name) {
				probe = name
				break
			}
		}
		if probe == "" {
			return nil, fmt.Errorf("%w: %s has no .tif files", ErrInvalidFormat, fullResolutionDir)
		}
		r, err := OpenSingleFileReader(fsys, fsys.Join(path, fullResolutionDir, probe))
		if err != nil {
			return nil, err
		}
		major := r.header.MajorVersion
		r.Close()
		if major != majorVersion {
			return nil, fmt.Errorf("%w: major version %d is not supported by this package", ErrInvalidFormat, major)
		}
		return OpenPyramidDataset(fsys, path)
	}

	if ok, _ := fileExists(fsys, fsys.Join(path, "NDTiff.index")); ok {
		return OpenDataset(fsys, path)
	}

	return nil, ErrNoIndex
}

func fileExists(fsys FileSystem, path string) (bool, error) {
	f, err := fsys.OpenFile(path, osReadOnly, 0)
	if err != nil {
		return false, err
	}
	f.Close()
	return true, nil
}
