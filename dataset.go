package ndtiff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// pendingImage is the write_pending entry for one image that has been
// accepted by PutImage but is not yet installed in index (spec.md §4.5
// "Write operation", §5 ordering guarantee 2).
type pendingImage struct {
	coords   Coords
	image    *Image
	metadata json.RawMessage
}

// DatasetOption configures a writable Dataset.
type DatasetOption func(*Dataset)

// WithWriterNamePrefix prefixes every file this dataset's writer creates
// with name + "_" (spec.md §4.5 step 4, "optionally prefixed by name").
func WithWriterNamePrefix(name string) DatasetOption {
	return func(d *Dataset) { d.namePrefix = name }
}

// WithDatasetMaxFileSize overrides the per-file size cap passed to every
// SingleFileWriter this dataset creates.
func WithDatasetMaxFileSize(n int64) DatasetOption {
	return func(d *Dataset) { d.maxFileSize = n }
}

// WithDatasetMetrics attaches a Metrics recorder.
func WithDatasetMetrics(m *Metrics) DatasetOption {
	return func(d *Dataset) { d.metrics = m }
}

// Dataset is a single flat NDTiff dataset: one directory holding zero or
// more NDTiffStack*.tif files plus an NDTiff.index record stream. A
// single mutex guards every mutable field named in spec.md §5.
//
// Grounded on squashfs's inode.go inoIdx cache: one mutex guarding a set
// of maps, read under RLock where the method is read-only and under Lock
// where it mutates — generalized here to the larger state set a dataset
// needs.
type Dataset struct {
	mu            sync.Mutex
	newImage      *sync.Cond
	newImageReady bool
	finished      bool
	finishCh      chan struct{}

	fsys     FileSystem
	dir      string
	readOnly bool

	namePrefix  string
	maxFileSize int64
	metrics     *Metrics

	summaryMetadata json.RawMessage

	index   map[string]*IndexEntry
	pending map[string]*pendingImage

	readers map[string]*SingleFileReader

	writer     *SingleFileWriter
	fileIndex  int
	indexFile  File
	haveWriter bool

	axesTypes        map[string]AxisKind
	stringAxisValues map[string][]string

	havePixelInfo bool
	pixelType     PixelType
	imageWidth    int
	imageHeight   int

	channelNames map[int32]string
}

func newDataset(fsys FileSystem, dir string, readOnly bool) *Dataset {
	d := &Dataset{
		fsys:             fsys,
		dir:              dir,
		readOnly:         readOnly,
		maxFileSize:      DefaultMaxFileSize,
		index:            make(map[string]*IndexEntry),
		pending:          make(map[string]*pendingImage),
		readers:          make(map[string]*SingleFileReader),
		axesTypes:        make(map[string]AxisKind),
		stringAxisValues: make(map[string][]string),
		channelNames:     make(map[int32]string),
		finishCh:         make(chan struct{}),
	}
	d.newImage = sync.NewCond(&d.mu)
	return d
}

// NewDataset creates a new writable dataset rooted at dir (created if
// missing). The first PutImage call lazily creates the first writer and
// opens NDTiff.index append-only (spec.md §4.5 step 4).
func NewDataset(fsys FileSystem, dir string, summary json.RawMessage, opts ...DatasetOption) (*Dataset, error) {
	if summary == nil {
		summary = json.RawMessage("{}")
	}
	d := newDataset(fsys, dir, false)
	d.summaryMetadata = summary
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OpenDataset opens a read-only flat dataset: reads NDTiff.index once,
// opens every .tif under dir in parallel, and derives axes/channel
// tables (spec.md §4.5 "Opening a read-only dataset").
func OpenDataset(fsys FileSystem, dir string) (*Dataset, error) {
	d := newDataset(fsys, dir, true)

	idxPath := fsys.Join(dir, "NDTiff.index")
	idxFile, err := fsys.OpenFile(idxPath, osReadOnly, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, err)
	}
	defer idxFile.Close()

	idxBytes, err := readAllFile(idxFile)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading index: %w", err)
	}
	index, err := DecodeIndex(bytes.NewReader(idxBytes))
	if err != nil {
		return nil, err
	}
	d.index = index

	names, err := fsys.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: listing %s: %w", dir, err)
	}

	var tifNames []string
	for _, name := range names {
		if isTiffName(name) {
			tifNames = append(tifNames, name)
		}
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(context.Background())
	for _, name := range tifNames {
		name := name
		g.Go(func() error {
			r, err := OpenSingleFileReader(fsys, fsys.Join(dir, name))
			if err != nil {
				return fmt.Errorf("ndtiff: opening %s: %w", name, err)
			}
			mu.Lock()
			d.readers[name] = r
			if d.summaryMetadata == nil {
				d.summaryMetadata = r.SummaryMetadata()
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range d.readers {
			r.Close()
		}
		return nil, err
	}

	// Walk the records in file order so string-axis values are recorded
	// in the order the images were written, not in map iteration order.
	ordered := bytes.NewReader(idxBytes)
	for {
		entry, err := DecodeIndexEntry(ordered)
		if err != nil {
			break
		}
		d.trackAxisTypesLocked(entry.AxesKey)
	}
	for _, entry := range d.index {
		if !d.havePixelInfo {
			d.pixelType = entry.PixelType
			d.imageWidth = int(entry.ImageWidth)
			d.imageHeight = int(entry.ImageHeight)
			d.havePixelInfo = true
		}
	}
	d.refreshChannelNamesLocked()

	return d, nil
}

func isTiffName(name string) bool {
	return len(name) > 4 && name[len(name)-4:] == ".tif"
}

func readAllFile(f File) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	var off int64
	for {
		n, err := f.ReadAt(chunk, off)
		if n > 0 {
			buf.Write(chunk[:n])
			off += int64(n)
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}

// HasImage reports whether coords is present in write_pending or index
// (spec.md §4.5 "Read operations").
func (d *Dataset) HasImage(coords Coords) bool {
	key := coords.Key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; ok {
		return true
	}
	_, ok := d.index[key]
	return ok
}

// ReadImage returns the pixel buffer for coords, consulting write_pending
// before index (spec.md §4.5 "Read operations").
func (d *Dataset) ReadImage(coords Coords) (*Image, error) {
	key := coords.Key()

	d.mu.Lock()
	if p, ok := d.pending[key]; ok {
		img := *p.image
		d.mu.Unlock()
		return &img, nil
	}
	entry, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return nil, ErrImageNotFound
	}
	reader, ok := d.readers[entry.Filename]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no reader open for %s", ErrInvalidState, entry.Filename)
	}
	return reader.ReadImage(entry)
}

// ReadMetadata returns the per-image metadata for coords, symmetric with
// ReadImage.
func (d *Dataset) ReadMetadata(coords Coords) (json.RawMessage, error) {
	key := coords.Key()

	d.mu.Lock()
	if p, ok := d.pending[key]; ok {
		md := p.metadata
		d.mu.Unlock()
		return md, nil
	}
	entry, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return nil, ErrImageNotFound
	}
	reader, ok := d.readers[entry.Filename]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no reader open for %s", ErrInvalidState, entry.Filename)
	}
	return reader.ReadMetadata(entry)
}

// PutImage writes one image: insert-pending, write-to-disk,
// install-index-entry, remove-pending (spec.md §4.5 "Write operation",
// §5 ordering guarantee 2 — the dataset lock is held across both the
// pending insert and the pending removal, never across the disk write
// itself).
func (d *Dataset) PutImage(coords Coords, width, height int, pixelType PixelType, pixels PixelData, metadata json.RawMessage) error {
	if d.readOnly {
		return fmt.Errorf("%w: dataset is read-only", ErrInvalidState)
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	pixelBytes, err := encodePixels(width, height, pixelType, pixels)
	if err != nil {
		return err
	}

	key := coords.Key()
	img := &Image{Width: width, Height: height, Type: pixelType, Pix: pixelBytes}

	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return fmt.Errorf("%w: dataset is finished", ErrInvalidState)
	}
	d.trackAxisTypesLocked(coords)
	if !d.havePixelInfo {
		d.pixelType, d.imageWidth, d.imageHeight = pixelType, width, height
		d.havePixelInfo = true
	}
	d.pending[key] = &pendingImage{coords: coords.Clone(), image: img, metadata: metadata}
	if d.metrics != nil {
		d.metrics.PendingImages.Inc()
	}
	d.newImageReady = true
	d.newImage.Broadcast()

	if err := d.ensureWriterLocked(len(pixelBytes), len(metadata)); err != nil {
		d.removePendingLocked(key)
		d.mu.Unlock()
		return err
	}
	writer := d.writer
	filename := baseName(writer.Path())
	d.mu.Unlock()

	entry, err := writer.WriteImage(width, height, pixelType, pixels, metadata)
	if err != nil {
		d.mu.Lock()
		d.removePendingLocked(key)
		d.mu.Unlock()
		return err
	}
	entry.AxesKey = coords.Clone()
	entry.Filename = filename
	entry.PixelCompression = CompressionNone
	entry.MetadataCompression = CompressionNone

	encoded, err := entry.Encode()
	if err != nil {
		d.mu.Lock()
		d.removePendingLocked(key)
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	if err := d.installEntryLocked(entry); err != nil {
		d.removePendingLocked(key)
		d.mu.Unlock()
		return err
	}
	if _, err := d.indexFile.Write(encoded); err != nil {
		d.removePendingLocked(key)
		d.mu.Unlock()
		return fmt.Errorf("ndtiff: appending index entry: %w", err)
	}
	d.removePendingLocked(key)
	d.mu.Unlock()

	return nil
}

// removePendingLocked removes key from the pending map and, if present,
// decrements PendingImages. Must be called with mu held.
func (d *Dataset) removePendingLocked(key string) {
	if _, ok := d.pending[key]; !ok {
		return
	}
	delete(d.pending, key)
	if d.metrics != nil {
		d.metrics.PendingImages.Dec()
	}
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

func (d *Dataset) writerFilename() string {
	prefix := ""
	if d.namePrefix != "" {
		prefix = d.namePrefix + "_"
	}
	if d.fileIndex == 0 {
		return prefix + "NDTiffStack.tif"
	}
	return fmt.Sprintf("%sNDTiffStack_%d.tif", prefix, d.fileIndex)
}

// ensureWriterLocked creates the first writer (and opens NDTiff.index
// append-only) on first call, or rolls over to a new file when the
// current writer lacks room (spec.md §4.5 steps 4-5). Caller holds d.mu.
func (d *Dataset) ensureWriterLocked(pixelBytes, metadataLen int) error {
	if !d.haveWriter {
		f, err := NewSingleFileWriter(d.fsys, d.dir, d.writerFilename(), d.summaryMetadata,
			WithMaxFileSize(d.maxFileSize), WithMetrics(d.metrics))
		if err != nil {
			return err
		}
		d.writer = f
		d.haveWriter = true

		idxFile, err := d.fsys.OpenFile(d.fsys.Join(d.dir, "NDTiff.index"), osAppend, 0o644)
		if err != nil {
			return fmt.Errorf("ndtiff: opening index file: %w", err)
		}
		d.indexFile = idxFile
		return nil
	}

	if d.writer.HasSpaceToWrite(pixelBytes, metadataLen) {
		return nil
	}

	if err := d.writer.Finish(); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.FilesRolledOver.Inc()
	}
	d.fileIndex++
	f, err := NewSingleFileWriter(d.fsys, d.dir, d.writerFilename(), d.summaryMetadata,
		WithMaxFileSize(d.maxFileSize), WithMetrics(d.metrics))
	if err != nil {
		return err
	}
	d.writer = f
	return nil
}

// installEntryLocked records entry in index and opens a SingleFileReader
// for its file on first reference. Caller holds d.mu.
func (d *Dataset) installEntryLocked(entry *IndexEntry) error {
	d.index[entry.AxesKey.Key()] = entry
	if _, ok := d.readers[entry.Filename]; !ok {
		r, err := OpenSingleFileReader(d.fsys, d.fsys.Join(d.dir, entry.Filename))
		if err != nil {
			return fmt.Errorf("ndtiff: opening reader for %s: %w", entry.Filename, err)
		}
		d.readers[entry.Filename] = r
	}
	return nil
}

// AddIndexEntry installs an externally-observed index record — either a
// raw encoded byte buffer (from a live reader following another
// process's writer) or an already-decoded *IndexEntry. When
// newImageUpdates is true, axis/channel tables are refreshed and
// new_image is signaled (spec.md §4.5 "add_index_entry").
func (d *Dataset) AddIndexEntry(entryOrBytes interface{}, newImageUpdates bool) error {
	var entry *IndexEntry
	switch v := entryOrBytes.(type) {
	case *IndexEntry:
		entry = v
	case []byte:
		e, err := DecodeIndexEntry(bytes.NewReader(v))
		if err != nil {
			return err
		}
		entry = e
	default:
		return fmt.Errorf("%w: unsupported type %T for AddIndexEntry", ErrInvalidArgument, entryOrBytes)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.installEntryLocked(entry); err != nil {
		return err
	}
	if !d.havePixelInfo {
		d.pixelType = entry.PixelType
		d.imageWidth = int(entry.ImageWidth)
		d.imageHeight = int(entry.ImageHeight)
		d.havePixelInfo = true
	}
	if newImageUpdates {
		d.trackAxisTypesLocked(entry.AxesKey)
		d.refreshChannelNamesLocked()
		d.newImageReady = true
		d.newImage.Broadcast()
	}
	return nil
}

// trackAxisTypesLocked records each axis's kind and, for string-valued
// axes, appends newly observed values to string_axis_values (spec.md
// §4.5 "String-axis bookkeeping"). Caller holds d.mu.
func (d *Dataset) trackAxisTypesLocked(coords Coords) {
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
}

// refreshChannelNamesLocked recomputes the channel index -> name table
// per spec.md §4.5.4: ChNames summary field (pre-3.2 datasets), else
// per-image "Channel" metadata discovery for integer channel axes, else
// nothing to do for string-typed channel axes (string_axis_values IS the
// table in that case). Caller holds d.mu.
func (d *Dataset) refreshChannelNamesLocked() {
	if d.axesTypes["channel"] == AxisString {
		return
	}

	if len(d.summaryMetadata) > 0 {
		var summary struct {
			ChNames []string `json:"ChNames"`
		}
		if err := json.Unmarshal(d.summaryMetadata, &summary); err == nil && len(summary.ChNames) > 0 {
			for i, name := range summary.ChNames {
				d.channelNames[int32(i)] = name
			}
			return
		}
	}

	for _, entry := range d.index {
		v, ok := entry.AxesKey["channel"]
		if !ok || v.Kind != AxisInt {
			continue
		}
		if _, named := d.channelNames[v.Int]; named {
			continue
		}
		reader, ok := d.readers[entry.Filename]
		if !ok {
			continue
		}
		md, err := reader.ReadMetadata(entry)
		if err != nil {
			continue
		}
		var fields struct {
			Channel string `json:"Channel"`
		}
		if err := json.Unmarshal(md, &fields); err == nil && fields.Channel != "" {
			d.channelNames[v.Int] = fields.Channel
		}
	}
}

// GetChannelNames returns the channel index -> name table as an ordered
// slice (index 0 first). Integer indices with no discovered name fall
// back to their decimal string form.
func (d *Dataset) GetChannelNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.axesTypes["channel"] == AxisString {
		out := make([]string, len(d.stringAxisValues["channel"]))
		copy(out, d.stringAxisValues["channel"])
		return out
	}

	maxIdx := int32(-1)
	for idx := range d.channelNames {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	for _, entry := range d.index {
		if v, ok := entry.AxesKey["channel"]; ok && v.Kind == AxisInt && v.Int > maxIdx {
			maxIdx = v.Int
		}
	}
	if maxIdx < 0 {
		return nil
	}
	out := make([]string, maxIdx+1)
	for i := range out {
		idx := int32(i)
		if name, ok := d.channelNames[idx]; ok {
			out[i] = name
		} else {
			out[i] = fmt.Sprintf("%d", i)
		}
	}
	return out
}

// GetImageCoordinatesList returns every coordinate set known to the
// dataset, from both index and write_pending.
func (d *Dataset) GetImageCoordinatesList() []Coords {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(d.index)+len(d.pending))
	out := make([]Coords, 0, len(d.index)+len(d.pending))
	for key, entry := range d.index {
		seen[key] = true
		out = append(out, entry.AxesKey.Clone())
	}
	for key, p := range d.pending {
		if seen[key] {
			continue
		}
		out = append(out, p.coords.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// AwaitNewImage blocks until a new image is signaled or timeout elapses,
// returning whether it was signaled (spec.md §4.5 "await_new_image").
//
// new_image_ready is a boolean paired with the condition variable,
// checked before and after Wait() in a loop and cleared on consumption,
// so a Broadcast landing before this goroutine reaches Wait() is never
// lost (spec.md §9).
func (d *Dataset) AwaitNewImage(timeout time.Duration) bool {
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

// BlockUntilFinished blocks until Finish is called or timeout elapses,
// returning whether finished was set (spec.md §4.5 "block_until_finished").
func (d *Dataset) BlockUntilFinished(timeout time.Duration) bool {
	select {
	case <-d.finishCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Finish closes the active writer (patching its final IFD offset and
// truncating) and the index file, then marks the dataset finished
// (spec.md §4.5 "finish").
func (d *Dataset) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished {
		return nil
	}
	if d.haveWriter {
		if err := d.writer.Finish(); err != nil {
			return err
		}
		if err := d.indexFile.Close(); err != nil {
			return err
		}
	}
	d.finished = true
	close(d.finishCh)
	return nil
}

// Close releases every open SingleFileReader. For a writable dataset,
// callers should call Finish first; Close does not implicitly finish a
// live writer.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for name, r := range d.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.readers, name)
	}
	return firstErr
}

// SummaryMetadata returns the dataset's summary metadata object.
func (d *Dataset) SummaryMetadata() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summaryMetadata
}

// PixelInfo returns the pixel type and image dimensions inferred from
// the first image written or indexed, and whether any has been seen yet.
func (d *Dataset) PixelInfo() (pixelType PixelType, width, height int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pixelType, d.imageWidth, d.imageHeight, d.havePixelInfo
}

// AxisNames returns every axis name observed so far, sorted by the
// canonical descending precedence (spec.md §4.5 step 4 / §8).
func (d *Dataset) AxisNames() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.axesTypes))
	for name := range d.axesTypes {
		names = append(names, name)
	}
	d.mu.Unlock()
	SortAxisNames(names)
	return names
}

// AxisKind reports the value kind bound to name, if known.
func (d *Dataset) AxisKind(name string) (AxisKind, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.axesTypes[name]
	return k, ok
}

// AxisValues returns the insertion-ordered string values observed for a
// string-typed axis. For an integer-typed or unknown axis it returns an
// empty slice.
func (d *Dataset) AxisValues(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	values := d.stringAxisValues[name]
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// AsArray builds a lazy ChunkedArray view over this dataset (spec.md
// §4.5 "as_array").
func (d *Dataset) AsArray(axes []string, stitched bool, stitch *StitchOptions, slices Coords) (*ChunkedArray, error) {
	return NewChunkedArray(d, axes, stitched, stitch, slices)
}
