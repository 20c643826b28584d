package ndtiff

import (
	"encoding/json"
	"time"
)

// ReadableDataset is the read surface shared by every dataset shape this
// package exposes: a flat Dataset opened read-only or mid-write, and a
// single resolution level of a PyramidDataset (via PyramidDataset.View,
// since PyramidDataset's own methods take an extra level argument and
// so cannot satisfy this interface directly).
type ReadableDataset interface {
	HasImage(c Coords) bool
	ReadImage(c Coords) (*Image, error)
	ReadMetadata(c Coords) (json.RawMessage, error)
	GetImageCoordinatesList() []Coords
	AwaitNewImage(timeout time.Duration) bool
	Close() error
}

// WritableDataset is a ReadableDataset that also accepts new images.
// *Dataset implements this directly; *RamDataset implements the same
// shape (spec.md §4.7: a RAM sink is always writable by construction).
type WritableDataset interface {
	ReadableDataset
	PutImage(coords Coords, width, height int, pixelType PixelType, pixels PixelData, metadata json.RawMessage) error
	BlockUntilFinished(timeout time.Duration) bool
}

var (
	_ ReadableDataset = (*Dataset)(nil)
	_ WritableDataset = (*Dataset)(nil)
	_ WritableDataset = (*RamDataset)(nil)
	_ ReadableDataset = (*pyramidLevelView)(nil)
)
