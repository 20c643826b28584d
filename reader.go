package ndtiff

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	headerSize      = 28
	tiffMagic       = 42
	headerMagic     = 483729
	majorVersion    = 3
	minorVersion    = 3
	summaryMDHeader = 2355492
	byteOrderMarkII = 0x4949 // "II", little-endian
	byteOrderMarkMM = 0x4D4D // "MM", big-endian
)

// hostOrder returns the binary.ByteOrder matching the host's native
// endianness. The header's byte-order mark is enforced to match this
// (spec.md §3 invariant 4, §9 open question), while every record body
// --- IFD fields, index records --- is always little-endian regardless
// of host order.
func hostOrder() binary.ByteOrder {
	var i uint16 = 1
	b := []byte{0, 0}
	binary.NativeEndian.PutUint16(b, i)
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Header is the 28-byte custom header prepended to every NDTiff file
// (spec.md §4.3 step 3 / §6).
type Header struct {
	ByteOrderMark   uint16
	TIFFMagic       uint16
	FirstIFDOffset  uint32
	HeaderMagic     uint32
	MajorVersion    uint32
	MinorVersion    uint32
	SummaryMDHeader uint32
	SummaryMDLength uint32
}

// SingleFileReader reads one NDTiff-format file: the custom header,
// summary metadata, and a sequence of IFD/pixel/metadata blocks located
// by IndexEntry offsets. Grounded on squashfs's Superblock.New/
// UnmarshalBinary: a fixed-size header is read once at open time, then
// every subsequent access seeks directly by offset.
type SingleFileReader struct {
	f               File
	header          Header
	summaryMetadata json.RawMessage
}

// OpenSingleFileReader opens path on fsys and parses its header,
// validating the byte-order mark, TIFF magic, and summary-metadata
// header word per spec.md §4.4.
func OpenSingleFileReader(fsys FileSystem, path string) (*SingleFileReader, error) {
	f, err := fsys.OpenFile(path, osReadOnly, 0)
	if err != nil {
		return nil, err
	}
	r, err := newSingleFileReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newSingleFileReader(f File) (*SingleFileReader, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, headerSize), buf); err != nil {
		return nil, fmt.Errorf("%w: reading header: %s", ErrInvalidFormat, err)
	}

	h := Header{
		ByteOrderMark:   wireOrder.Uint16(buf[0:2]),
		TIFFMagic:       wireOrder.Uint16(buf[2:4]),
		FirstIFDOffset:  wireOrder.Uint32(buf[4:8]),
		HeaderMagic:     wireOrder.Uint32(buf[8:12]),
		MajorVersion:    wireOrder.Uint32(buf[12:16]),
		MinorVersion:    wireOrder.Uint32(buf[16:20]),
		SummaryMDHeader: wireOrder.Uint32(buf[20:24]),
		SummaryMDLength: wireOrder.Uint32(buf[24:28]),
	}

	wantMark := byteOrderMarkII
	if hostOrder() == binary.BigEndian {
		wantMark = byteOrderMarkMM
	}
	if int(h.ByteOrderMark) != wantMark {
		return nil, fmt.Errorf("%w: byte-order mark %#x does not match host", ErrInvalidFormat, h.ByteOrderMark)
	}
	if h.TIFFMagic != tiffMagic {
		return nil, fmt.Errorf("%w: bad TIFF magic %d", ErrInvalidFormat, h.TIFFMagic)
	}
	if h.SummaryMDHeader != summaryMDHeader {
		return nil, fmt.Errorf("%w: bad summary metadata header %d", ErrInvalidFormat, h.SummaryMDHeader)
	}

	mdBuf := make([]byte, h.SummaryMDLength)
	if _, err := io.ReadFull(io.NewSectionReader(f, headerSize, int64(h.SummaryMDLength)), mdBuf); err != nil {
		return nil, fmt.Errorf("%w: reading summary metadata: %s", ErrInvalidFormat, err)
	}
	var md json.RawMessage
	if err := json.Unmarshal(mdBuf, &md); err != nil {
		return nil, fmt.Errorf("%w: parsing summary metadata: %s", ErrInvalidFormat, err)
	}

	return &SingleFileReader{f: f, header: h, summaryMetadata: md}, nil
}

// SummaryMetadata returns the file's summary metadata JSON object.
func (r *SingleFileReader) SummaryMetadata() json.RawMessage { return r.summaryMetadata }

// Close closes the underlying file.
func (r *SingleFileReader) Close() error { return r.f.Close() }

// Image is a decoded pixel buffer: Mono* types carry Pix sized
// Height*Width*BytesPerSample (as uint16 read into a byte buffer for
// 16-bit types the caller reinterprets), RGB8 carries
// Height*Width*3 bytes.
type Image struct {
	Width, Height int
	Type          PixelType
	// Pix holds raw samples in row-major order. For 8-bit mono and
	// RGB8 each sample is one byte; for every other pixel type each
	// sample is a little-endian uint16 (2 bytes), matching spec.md
	// §4.4's "dtype uint16 for all other pixel types".
	Pix []byte
}

// Uint16At returns sample (x, y) of a 16-bit-buffer image.
func (img *Image) Uint16At(x, y int) uint16 {
	i := (y*img.Width + x) * 2
	return wireOrder.Uint16(img.Pix[i : i+2])
}

// Uint8At returns sample (x, y) of an 8-bit mono image.
func (img *Image) Uint8At(x, y int) uint8 {
	return img.Pix[y*img.Width+x]
}

// ReadImage seeks to entry.PixelOffset and reads/reshapes the pixel
// buffer described by entry (spec.md §4.4).
func (r *SingleFileReader) ReadImage(entry *IndexEntry) (*Image, error) {
	if !entry.PixelType.Valid() {
		return nil, fmt.Errorf("%w: unknown pixel type code %d", ErrInvalidFormat, entry.PixelType)
	}
	w, h := int(entry.ImageWidth), int(entry.ImageHeight)
	nBytes := w * h * entry.PixelType.SamplesPerPixel() * entry.PixelType.BytesPerSample()

	buf := make([]byte, nBytes)
	if _, err := io.ReadFull(io.NewSectionReader(r.f, int64(entry.PixelOffset), int64(nBytes)), buf); err != nil {
		return nil, fmt.Errorf("ndtiff: reading pixels: %w", err)
	}
	dec, err := decompressBlock(entry.PixelCompression, buf)
	if err != nil {
		return nil, err
	}
	return &Image{Width: w, Height: h, Type: entry.PixelType, Pix: dec}, nil
}

// ReadMetadata seeks to entry.MetadataOffset and parses entry's
// per-image JSON metadata (spec.md §4.4).
func (r *SingleFileReader) ReadMetadata(entry *IndexEntry) (json.RawMessage, error) {
	buf := make([]byte, entry.MetadataLength)
	if _, err := io.ReadFull(io.NewSectionReader(r.f, int64(entry.MetadataOffset), int64(entry.MetadataLength)), buf); err != nil {
		return nil, fmt.Errorf("ndtiff: reading metadata: %w", err)
	}
	dec, err := decompressBlock(entry.MetadataCompression, buf)
	if err != nil {
		return nil, err
	}
	var md json.RawMessage
	if err := json.Unmarshal(dec, &md); err != nil {
		return nil, fmt.Errorf("%w: parsing image metadata: %s", ErrInvalidFormat, err)
	}
	return md, nil
}
