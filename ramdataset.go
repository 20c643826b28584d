package ndtiff

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// RamDataset is a Dataset-shaped component that keeps every image and
// its metadata in memory instead of writing them to disk (spec.md §4.7
// "RAM sink"). It shares the axis-tracking and event shape of Dataset
// but has no FileSystem, writer, or index file.
//
// Grounded on squashfs's Writer buffered-mode branch in NewWriter
// (writer.buf = &bytes.Buffer{} when no io.WriterAt backend is
// available): the same "hold it in memory instead of seeking a real
// file" idea, generalized from one buffer to a pair of coordinate-keyed
// maps.
type RamDataset struct {
	mu            sync.Mutex
	newImage      *sync.Cond
	newImageReady bool
	finished      bool
	finishCh      chan struct{}

	images   map[string]*Image
	coords   map[string]Coords
	metadata map[string]json.RawMessage

	axesTypes        map[string]AxisKind
	stringAxisValues map[string][]string

	havePixelInfo bool
	pixelType     PixelType
	imageWidth    int
	imageHeight   int
}

// NewRamDataset creates an empty in-memory dataset.
func NewRamDataset() *RamDataset {
	d := &RamDataset{
		images:           make(map[string]*Image),
		coords:           make(map[string]Coords),
		metadata:         make(map[string]json.RawMessage),
		axesTypes:        make(map[string]AxisKind),
		stringAxisValues: make(map[string][]string),
		finishCh:         make(chan struct{}),
	}
	d.newImage = sync.NewCond(&d.mu)
	return d
}

// PutImage stores an image in memory, tracks its axes, and signals
// new_image.
func (d *RamDataset) PutImage(coords Coords, width, height int, pixelType PixelType, pixels PixelData, metadata json.RawMessage) error {
	pixelBytes, err := encodePixels(width, height, pixelType, pixels)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	key := coords.Key()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished {
		return ErrInvalidState
	}
	for name, v := range coords {
		d.axesTypes[name] = v.Kind
		if v.Kind != AxisString {
			continue
		}
		values := d.stringAxisValues[name]
		found := false
		for _, existing := range values {
			if existing == v.Str {
				found = true
				break
			}
		}
		if !found {
			d.stringAxisValues[name] = append(values, v.Str)
		}
	}
	if !d.havePixelInfo {
		d.pixelType, d.imageWidth, d.imageHeight = pixelType, width, height
		d.havePixelInfo = true
	}

	d.images[key] = &Image{Width: width, Height: height, Type: pixelType, Pix: pixelBytes}
	d.coords[key] = coords.Clone()
	d.metadata[key] = metadata
	d.newImageReady = true
	d.newImage.Broadcast()
	return nil
}

// HasImage reports whether coords has been stored.
func (d *RamDataset) HasImage(coords Coords) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.images[coords.Key()]
	return ok
}

// ReadImage returns the stored image for coords.
func (d *RamDataset) ReadImage(coords Coords) (*Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[coords.Key()]
	if !ok {
		return nil, ErrImageNotFound
	}
	cp := *img
	return &cp, nil
}

// ReadMetadata returns the stored metadata for coords.
func (d *RamDataset) ReadMetadata(coords Coords) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	md, ok := d.metadata[coords.Key()]
	if !ok {
		return nil, ErrImageNotFound
	}
	return md, nil
}

// GetImageCoordinatesList returns every stored coordinate set.
func (d *RamDataset) GetImageCoordinatesList() []Coords {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Coords, 0, len(d.coords))
	for _, c := range d.coords {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// AwaitNewImage blocks until a new image is signaled or timeout elapses.
// Like Dataset, it pairs the condition variable with a boolean flag,
// checked before and after Wait() in a loop and cleared on consumption,
// so a Broadcast landing before this goroutine reaches Wait() is never
// lost (spec.md §9).
func (d *RamDataset) AwaitNewImage(timeout time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for !d.newImageReady {
			d.newImage.Wait()
		}
		d.newImageReady = false
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// BlockUntilFinished blocks until Close is called or timeout elapses.
func (d *RamDataset) BlockUntilFinished(timeout time.Duration) bool {
	select {
	case <-d.finishCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PixelInfo returns the pixel type and dimensions inferred from the
// first stored image.
func (d *RamDataset) PixelInfo() (pixelType PixelType, width, height int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pixelType, d.imageWidth, d.imageHeight, d.havePixelInfo
}

// AxisNames returns every axis name observed so far, canonically sorted.
func (d *RamDataset) AxisNames() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.axesTypes))
	for name := range d.axesTypes {
		names = append(names, name)
	}
	d.mu.Unlock()
	SortAxisNames(names)
	return names
}

// Close drops all in-memory state and marks the dataset finished
// (spec.md §4.7 "close drops all state").
func (d *RamDataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return nil
	}
	d.images = nil
	d.coords = nil
	d.metadata = nil
	d.finished = true
	close(d.finishCh)
	return nil
}
