package ndtiff

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
)

// wireOrder is the portable little-endian byte order used for every
// record body in the index file and in each TIFF-shaped file's IFDs,
// regardless of host byte order (spec.md §9 open question, resolved:
// "portable little-endian for record bodies; host-matching mark in
// header").
var wireOrder = binary.LittleEndian

// IndexEntry is the on-disk locator for one image: spec.md §3/§4.2.
type IndexEntry struct {
	AxesKey             Coords
	Filename            string
	PixelOffset         uint32
	ImageWidth          uint32
	ImageHeight         uint32
	PixelType           PixelType
	PixelCompression    CompressionCode
	MetadataOffset      uint32
	MetadataLength      uint32
	MetadataCompression CompressionCode
}

// Encode serializes e to the wire record layout of spec.md §4.2.
func (e *IndexEntry) Encode() ([]byte, error) {
	axesJSON, err := encodeCoordsJSON(e.AxesKey)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeLengthPrefixed := func(b []byte) {
		var lenBuf [4]byte
		wireOrder.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	writeLengthPrefixed(axesJSON)
	writeLengthPrefixed([]byte(e.Filename))

	var u32 [4]byte
	putU32 := func(v uint32) {
		wireOrder.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}
	putU32(e.PixelOffset)
	putU32(e.ImageWidth)
	putU32(e.ImageHeight)
	putU32(uint32(e.PixelType))
	putU32(uint32(e.PixelCompression))
	putU32(e.MetadataOffset)
	putU32(e.MetadataLength)
	putU32(uint32(e.MetadataCompression))

	return buf.Bytes(), nil
}

// DecodeIndexEntry reads one record from r. It returns io.EOF only when
// r is exhausted before any bytes of a new record were read; a
// zero-length axes field (a valid, well-formed read of the value 0)
// is reported as ErrIndexTruncated, matching spec.md §4.2's "stop and
// warn" behavior for a non-terminated index.
func DecodeIndexEntry(r io.Reader) (*IndexEntry, error) {
	axesLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if axesLen == 0 {
		return nil, ErrIndexTruncated
	}

	axesJSON := make([]byte, axesLen)
	if _, err := io.ReadFull(r, axesJSON); err != nil {
		return nil, fmt.Errorf("ndtiff: reading axes: %w", err)
	}
	coords, err := decodeCoordsJSON(axesJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}

	filenameLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading filename length: %w", err)
	}
	filenameBytes := make([]byte, filenameLen)
	if _, err := io.ReadFull(r, filenameBytes); err != nil {
		return nil, fmt.Errorf("ndtiff: reading filename: %w", err)
	}

	e := &IndexEntry{AxesKey: coords, Filename: string(filenameBytes)}

	fields := []*uint32{
		&e.PixelOffset, &e.ImageWidth, &e.ImageHeight,
	}
	for _, f := range fields {
		v, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("ndtiff: reading index entry: %w", err)
		}
		*f = v
	}

	pixelType, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading pixel type: %w", err)
	}
	e.PixelType = PixelType(pixelType)

	pixelComp, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading pixel compression: %w", err)
	}
	e.PixelCompression = CompressionCode(pixelComp)

	metaOfft, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading metadata offset: %w", err)
	}
	e.MetadataOffset = metaOfft

	metaLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading metadata length: %w", err)
	}
	e.MetadataLength = metaLen

	metaComp, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: reading metadata compression: %w", err)
	}
	e.MetadataCompression = CompressionCode(metaComp)

	return e, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return wireOrder.Uint32(buf[:]), nil
}

// DecodeIndex parses a whole NDTiff.index stream into a map keyed by the
// canonical string form of each entry's coordinate set (see
// Coords.Key). Parsing ends at the end of the stream. A zero-length axes
// record or a record cut short mid-way also ends it: a warning is logged
// and the entries parsed so far are returned with a nil error.
func DecodeIndex(r io.Reader) (map[string]*IndexEntry, error) {
	out := make(map[string]*IndexEntry)
	for {
		entry, err := DecodeIndexEntry(r)
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			if err == ErrIndexTruncated || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("ndtiff: index was not properly terminated")
				return out, nil
			}
			return out, err
		}
		out[entry.AxesKey.Key()] = entry
	}
}

func encodeCoordsJSON(c Coords) ([]byte, error) {
	m := make(map[string]interface{}, len(c))
	for name, v := range c {
		if v.Kind == AxisString {
			m[name] = v.Str
		} else {
			m[name] = v.Int
		}
	}
	return json.Marshal(m)
}

func decodeCoordsJSON(b []byte) (Coords, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	c := make(Coords, len(raw))
	for name, v := range raw {
		switch tv := v.(type) {
		case string:
			c[name] = AxisValue{Kind: AxisString, Str: tv}
		case float64:
			c[name] = AxisValue{Kind: AxisInt, Int: int32(tv)}
		default:
			return nil, fmt.Errorf("ndtiff: axis %q has unsupported JSON value type %T", name, v)
		}
	}
	return c, nil
}
