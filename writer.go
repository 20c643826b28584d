package ndtiff

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
)

// DefaultMaxFileSize is the 4 GiB per-file cap of spec.md §3 invariant 5.
const DefaultMaxFileSize = int64(4) * 1024 * 1024 * 1024

const (
	entriesPerIFD   = 13
	ifdEntrySize    = 12
	fiveMiBSlack    = int64(5) * 1024 * 1024
	ifdSizeOverhead = entriesPerIFD*ifdEntrySize + 4 + 16 // spec.md §4.3 has_space_to_write formula
)

// TIFF tag numbers used by the 13-entry IFD spec.md §4.3 step 3 lays out.
const (
	tagImageWidth      = 256
	tagImageHeight     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagResolutionUnit  = 296
	tagMMMetadata      = 51123
)

const (
	ifdTypeByte     = 1
	ifdTypeASCII    = 2
	ifdTypeShort    = 3
	ifdTypeLong     = 4
	ifdTypeRational = 5
)

// PixelData is a sum type over the three ways an image's samples can be
// supplied to WriteImage (spec.md §9 design notes).
type PixelData interface {
	pixelData()
}

// Mono8Pixels carries one byte per pixel (8-bit monochrome).
type Mono8Pixels struct{ Data []byte }

func (Mono8Pixels) pixelData() {}

// Mono16Pixels carries one uint16 sample per pixel. It is used for
// Mono16 as well as for the bit-packed-into-16-bits types
// (Mono10/11/12/14) -- the on-disk sample width is identical, only the
// meaningful bit depth recorded in metadata differs.
type Mono16Pixels struct{ Data []uint16 }

func (Mono16Pixels) pixelData() {}

// RGBPixels carries 4 bytes per pixel in the source's native order (the
// 4th byte, e.g. alpha, is dropped). WriteImage reshuffles this into 3
// bytes per pixel in BGR order on disk (spec.md §4.3 step 2).
type RGBPixels struct{ Data []byte }

func (RGBPixels) pixelData() {}

// WriterOption configures a SingleFileWriter.
type WriterOption func(*SingleFileWriter)

// WithMaxFileSize overrides the default 4 GiB per-file cap. Primarily
// useful in tests that want to exercise rollover without allocating a
// real multi-gigabyte file.
func WithMaxFileSize(n int64) WriterOption {
	return func(w *SingleFileWriter) { w.maxFileSize = n }
}

// WithMetrics attaches a Metrics recorder that WriteImage/Finish update.
func WithMetrics(m *Metrics) WriterOption {
	return func(w *SingleFileWriter) { w.metrics = m }
}

// SingleFileWriter writes one NDTiff-format file: the custom header,
// summary metadata, then a sequence of IFD + pixel + per-image metadata
// blocks (spec.md §4.3). Grounded on squashfs's Writer: a single
// monotonically advancing write cursor, each unit of data built in a
// buffer before one positioned write, the way squashfs's writer.go
// builds inode/directory tables into buffers before writing them once.
type SingleFileWriter struct {
	fsys FileSystem
	f    File
	path string

	maxFileSize int64
	offset      int64

	lastNextIFDOffsetLoc int64
	wroteAnyImage        bool

	metrics *Metrics
}

// NewSingleFileWriter creates filename under dir (creating dir if
// needed), pre-allocates it to the configured max file size, and writes
// the 28-byte header plus summary metadata (spec.md §4.3 steps 1-4).
func NewSingleFileWriter(fsys FileSystem, dir, filename string, summary json.RawMessage, opts ...WriterOption) (*SingleFileWriter, error) {
	w := &SingleFileWriter{
		fsys:        fsys,
		path:        fsys.Join(dir, filename),
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(w)
	}

	f, err := fsys.OpenFile(w.path, osCreate, 0o644)
	if err != nil {
		return nil, err
	}
	w.f = f

	// Pre-allocate: reserve the full cap up front so later appends
	// can't fail mid-write for lack of disk space.
	if _, err := f.WriteAt([]byte{0}, w.maxFileSize-1); err != nil {
		f.Close()
		return nil, fmt.Errorf("ndtiff: pre-allocating %s to %s: %w", w.path, humanize.Bytes(uint64(w.maxFileSize)), err)
	}

	if summary == nil {
		summary = json.RawMessage("{}")
	}
	if err := w.writeHeader(summary); err != nil {
		f.Close()
		return nil, err
	}

	return w, nil
}

func (w *SingleFileWriter) writeHeader(summary json.RawMessage) error {
	mdLen := len(summary)
	firstIFD := headerSize + mdLen
	if firstIFD%2 != 0 {
		firstIFD++
	}

	buf := make([]byte, headerSize)
	wireOrder.PutUint16(buf[0:2], uint16(byteOrderMarkForHost()))
	wireOrder.PutUint16(buf[2:4], tiffMagic)
	wireOrder.PutUint32(buf[4:8], uint32(firstIFD))
	wireOrder.PutUint32(buf[8:12], headerMagic)
	wireOrder.PutUint32(buf[12:16], majorVersion)
	wireOrder.PutUint32(buf[16:20], minorVersion)
	wireOrder.PutUint32(buf[20:24], summaryMDHeader)
	wireOrder.PutUint32(buf[24:28], uint32(mdLen))

	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(summary, headerSize); err != nil {
		return err
	}
	w.offset = int64(headerSize + mdLen)
	return nil
}

func byteOrderMarkForHost() int {
	if hostOrder().String() == "BigEndian" {
		return byteOrderMarkMM
	}
	return byteOrderMarkII
}

// HasSpaceToWrite reports whether an image with pixelBytes of pixel
// data and metadataLen bytes of metadata can be written to the current
// file without exceeding the 4 GiB cap, per spec.md §4.3's formula
// (including its fixed 5 MiB alignment/padding slack).
func (w *SingleFileWriter) HasSpaceToWrite(pixelBytes, metadataLen int) bool {
	projected := w.offset + int64(metadataLen) + int64(ifdSizeOverhead) + int64(pixelBytes) + fiveMiBSlack
	return projected < w.maxFileSize
}

// WriteImage lays out and writes one IFD + pixel block + metadata block
// per spec.md §4.3 steps 1-7, returning the IndexEntry locating it.
func (w *SingleFileWriter) WriteImage(width, height int, pixelType PixelType, pixels PixelData, metadata json.RawMessage) (*IndexEntry, error) {
	if w.offset%2 != 0 {
		w.offset++
	}

	pixelBytes, err := encodePixels(width, height, pixelType, pixels)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	isRGB := pixelType.IsRGB()
	base := w.offset

	extraOff := base + 2 + entriesPerIFD*ifdEntrySize + 4
	bpsOffset := int64(0)
	if isRGB {
		bpsOffset = extraOff
		extraOff += 6
	}
	xResOffset := extraOff
	extraOff += 8
	yResOffset := extraOff
	extraOff += 8
	pixelOffset := extraOff
	metadataOffset := pixelOffset + int64(len(pixelBytes))
	nextIFDOffset := metadataOffset + int64(len(metadata))
	if nextIFDOffset%2 != 0 {
		nextIFDOffset++
	}

	var buf bytes.Buffer
	buf.Grow(int(nextIFDOffset - base))

	wireU16 := func(v uint16) { var b [2]byte; wireOrder.PutUint16(b[:], v); buf.Write(b[:]) }
	wireU32 := func(v uint32) { var b [4]byte; wireOrder.PutUint32(b[:], v); buf.Write(b[:]) }

	wireU16(entriesPerIFD)

	bitsPerSampleValue := uint32(pixelType.BitDepth())
	bitsPerSampleCount := uint16(1)
	if isRGB {
		bitsPerSampleCount = 3
		bitsPerSampleValue = uint32(bpsOffset)
	}

	photometric := uint32(1)
	samplesPerPixel := uint32(1)
	if isRGB {
		photometric = 2
		samplesPerPixel = 3
	}

	writeEntry := func(tag uint16, typ uint16, count uint32, value uint32) {
		wireU16(tag)
		wireU16(typ)
		wireU32(count)
		wireU32(value)
	}

	writeEntry(tagImageWidth, ifdTypeLong, 1, uint32(width))
	writeEntry(tagImageHeight, ifdTypeLong, 1, uint32(height))
	writeEntry(tagBitsPerSample, ifdTypeShort, uint32(bitsPerSampleCount), bitsPerSampleValue)
	writeEntry(tagCompression, ifdTypeShort, 1, 1)
	writeEntry(tagPhotometric, ifdTypeShort, 1, photometric)
	writeEntry(tagStripOffsets, ifdTypeLong, 1, uint32(pixelOffset))
	writeEntry(tagSamplesPerPixel, ifdTypeShort, 1, samplesPerPixel)
	writeEntry(tagRowsPerStrip, ifdTypeShort, 1, uint32(height))
	writeEntry(tagStripByteCounts, ifdTypeLong, 1, uint32(len(pixelBytes)))
	writeEntry(tagXResolution, ifdTypeRational, 1, uint32(xResOffset))
	writeEntry(tagYResolution, ifdTypeRational, 1, uint32(yResOffset))
	writeEntry(tagResolutionUnit, ifdTypeShort, 1, 3)
	writeEntry(tagMMMetadata, ifdTypeASCII, uint32(len(metadata)), uint32(metadataOffset))

	nextIFDOffsetLoc := base + int64(buf.Len())
	wireU32(uint32(nextIFDOffset))

	if isRGB {
		wireU16(8)
		wireU16(8)
		wireU16(8)
	}

	wireU32(1) // X resolution numerator
	wireU32(1) // X resolution denominator
	wireU32(1) // Y resolution numerator
	wireU32(1) // Y resolution denominator

	buf.Write(pixelBytes)
	buf.Write(metadata)
	for int64(base)+int64(buf.Len()) < nextIFDOffset {
		buf.WriteByte(0)
	}

	if _, err := w.f.WriteAt(buf.Bytes(), base); err != nil {
		return nil, fmt.Errorf("ndtiff: writing image: %w", err)
	}

	w.lastNextIFDOffsetLoc = nextIFDOffsetLoc
	w.offset = nextIFDOffset
	w.wroteAnyImage = true

	if w.metrics != nil {
		w.metrics.ImagesWritten.Inc()
		w.metrics.BytesWritten.Add(float64(buf.Len()))
	}

	return &IndexEntry{
		// Filename is left blank here; the caller (Dataset.PutImage)
		// fills it in with this writer's basename once it knows it.
		PixelOffset:    uint32(pixelOffset),
		ImageWidth:     uint32(width),
		ImageHeight:    uint32(height),
		PixelType:      pixelType,
		MetadataOffset: uint32(metadataOffset),
		MetadataLength: uint32(len(metadata)),
	}, nil
}

// encodePixels validates the supplied PixelData against width/height/
// pixelType and produces the on-disk byte layout, reshuffling RGB
// sources from 4 bytes/pixel to 3 bytes/pixel BGR order (spec.md §4.3
// step 2).
func encodePixels(width, height int, pixelType PixelType, pixels PixelData) ([]byte, error) {
	n := width * height
	switch p := pixels.(type) {
	case Mono8Pixels:
		if pixelType.IsRGB() || pixelType.BytesPerSample() != 1 {
			return nil, fmt.Errorf("%w: Mono8Pixels used with pixel type %s", ErrInvalidArgument, pixelType)
		}
		if len(p.Data) != n {
			return nil, fmt.Errorf("%w: Mono8Pixels length %d != width*height %d", ErrInvalidArgument, len(p.Data), n)
		}
		out := make([]byte, n)
		copy(out, p.Data)
		return out, nil
	case Mono16Pixels:
		if pixelType.IsRGB() || pixelType.BytesPerSample() != 2 {
			return nil, fmt.Errorf("%w: Mono16Pixels used with pixel type %s", ErrInvalidArgument, pixelType)
		}
		if len(p.Data) != n {
			return nil, fmt.Errorf("%w: Mono16Pixels length %d != width*height %d", ErrInvalidArgument, len(p.Data), n)
		}
		out := make([]byte, n*2)
		for i, v := range p.Data {
			wireOrder.PutUint16(out[i*2:i*2+2], v)
		}
		return out, nil
	case RGBPixels:
		if !pixelType.IsRGB() {
			return nil, fmt.Errorf("%w: RGBPixels used with pixel type %s", ErrInvalidArgument, pixelType)
		}
		if len(p.Data) != n*4 {
			return nil, fmt.Errorf("%w: RGBPixels length %d != width*height*4 %d", ErrInvalidArgument, len(p.Data), n*4)
		}
		out := make([]byte, n*3)
		for i := 0; i < n; i++ {
			out[i*3+0] = p.Data[i*4+2]
			out[i*3+1] = p.Data[i*4+1]
			out[i*3+2] = p.Data[i*4+0]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PixelData type %T", ErrInvalidArgument, pixels)
	}
}

// Finish patches the last IFD's next_ifd_offset field to 0, truncates
// the file to the current write position, flushes, and closes it
// (spec.md §4.3 finish_writing).
func (w *SingleFileWriter) Finish() error {
	if w.wroteAnyImage {
		var zero [4]byte
		if _, err := w.f.WriteAt(zero[:], w.lastNextIFDOffsetLoc); err != nil {
			return fmt.Errorf("ndtiff: patching final IFD offset: %w", err)
		}
	}
	if err := w.f.Truncate(w.offset); err != nil {
		return fmt.Errorf("ndtiff: truncating %s to %s: %w", w.path, humanize.Bytes(uint64(w.offset)), err)
	}
	if w.metrics != nil {
		w.metrics.FilesFinished.Inc()
	}
	return w.f.Close()
}

// Path returns the filesystem path of the file being written.
func (w *SingleFileWriter) Path() string { return w.path }

// Offset returns the writer's current write cursor, mainly for tests.
func (w *SingleFileWriter) Offset() int64 { return w.offset }
