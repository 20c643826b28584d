package ndtiff

import "errors"

// Package-specific error variables, usable with errors.Is().
var (
	// ErrInvalidFormat is returned when on-disk data fails a structural
	// check: byte-order mismatch, bad TIFF magic, bad summary-metadata
	// header word, unknown pixel type code, or malformed JSON.
	ErrInvalidFormat = errors.New("ndtiff: invalid file format")

	// ErrInvalidState is returned for operations that are invalid given
	// the dataset's current lifecycle state, such as writing to a
	// read-only dataset or requesting a stitched array without a
	// declared overlap.
	ErrInvalidState = errors.New("ndtiff: invalid dataset state")

	// ErrInvalidArgument is returned when an axis is used with a value
	// kind (int vs. string) that conflicts with its first use.
	ErrInvalidArgument = errors.New("ndtiff: invalid argument")

	// ErrImageNotFound is returned when a requested coordinate set is
	// absent from both the index and the pending-write set.
	ErrImageNotFound = errors.New("ndtiff: image not found")

	// ErrIndexTruncated is returned by DecodeIndexEntry when a record's
	// axes length is zero, marking an index that was not properly
	// terminated. It is a warning, not a fatal error: DecodeIndex stops
	// there and whatever prefix was parsed is still usable.
	ErrIndexTruncated = errors.New("ndtiff: index was not properly terminated")

	// ErrNoIndex is returned by Open when neither an NDTiff.index file
	// nor a Full resolution/ pyramid layout can be found, and wrapped by
	// OpenDataset when its directory's NDTiff.index cannot be opened.
	ErrNoIndex = errors.New("ndtiff: cannot find index")
)
