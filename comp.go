package ndtiff

import (
	"fmt"
	"sync"
)

// CompressionCode is the wire value stored in IndexEntry.PixelCompression
// and IndexEntry.MetadataCompression. Only CompressionNone is defined by
// the format today; the remaining codes are reserved (spec.md §1
// Non-goals), and their codecs -- when compiled in via build tag -- are
// registered but never reachable from data this package writes.
type CompressionCode uint32

const (
	CompressionNone CompressionCode = 0
	CompressionZstd CompressionCode = 1
	CompressionXZ   CompressionCode = 2
)

func (c CompressionCode) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionXZ:
		return "xz"
	}
	return fmt.Sprintf("CompressionCode(%d)", uint32(c))
}

// CompressionCodec compresses/decompresses a single block of bytes (a
// pixel block or a metadata block) for one reserved compression code.
type CompressionCodec struct {
	Compress   func([]byte) ([]byte, error)
	Decompress func([]byte) ([]byte, error)
}

var (
	codecMu sync.RWMutex
	codecs  = map[CompressionCode]*CompressionCodec{}
)

// RegisterCompressionCodec installs the codec for a compression code.
// Called from init() in this file and in the build-tag-gated
// comp_zstd.go/comp_xz.go files.
func RegisterCompressionCodec(code CompressionCode, codec *CompressionCodec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[code] = codec
}

func lookupCodec(code CompressionCode) (*CompressionCodec, bool) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	c, ok := codecs[code]
	return c, ok
}

func init() {
	RegisterCompressionCodec(CompressionNone, &CompressionCodec{
		Compress:   func(b []byte) ([]byte, error) { return b, nil },
		Decompress: func(b []byte) ([]byte, error) { return b, nil },
	})
}

// decompressBlock decompresses buf using the codec registered for code.
// It is unused on the write path (writer.go only ever emits
// CompressionNone per spec.md §1) but is exercised by the reader so a
// future format revision that turns on one of the reserved codes needs
// no reader changes.
func decompressBlock(code CompressionCode, buf []byte) ([]byte, error) {
	c, ok := lookupCodec(code)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported compression code %s", ErrInvalidFormat, code)
	}
	return c.Decompress(buf)
}
