package ndtiff

import (
	"fmt"
	"sort"
)

// StitchOptions supplies the overlap and resolution-level flag a
// stitched ChunkedArray needs; stitched construction fails without one
// (spec.md §4.5 "as_array" step 1).
type StitchOptions struct {
	OverlapY, OverlapX int
	FullResolution     bool
}

// ChunkedArray is a lazy, N-dimensional view over a Dataset's images: a
// declared chunk grid plus a ReadChunk callback that materializes one
// chunk by calling back into the dataset's read_image (spec.md §4.5
// "as_array"). It is deliberately not bound to any concrete chunked-array
// library — callers wrap Shape/ChunkShape/ReadChunk in whatever library
// they use (dask-equivalent, gonum, a plain slice) at the call site.
//
// Grounded on squashfs's file.go File type: a thin lazy wrapper around a
// seek+read primitive (there, an *io.SectionReader over an Inode; here,
// one chunk of one stacked-axis grid over Dataset.ReadImage).
type ChunkedArray struct {
	ds *Dataset

	axesToStack []string
	axesToSlice Coords

	stitched bool
	stitch   *StitchOptions

	tileH, tileW int
	pixelType    PixelType

	axisValues map[string][]AxisValue

	minRow, maxRow, minCol, maxCol int32
	haveGrid                       bool

	// cropH/cropW, when >= 0, clip the assembled spatial extent to a
	// smaller height/width -- used by PyramidDataset.AsArray to slice
	// off the zero padding a downsampled level's tile grid otherwise
	// carries past the actual full-resolution data extent (spec.md
	// §4.6). -1 means "no crop, use the full tile grid extent".
	cropH, cropW int
}

// NewChunkedArray builds a ChunkedArray over ds. axes is the ordered list
// of axis names to stack (nil defaults to every known axis in canonical
// descending order); slices fixes individual axes to a single value.
func NewChunkedArray(ds *Dataset, axes []string, stitched bool, stitch *StitchOptions, slices Coords) (*ChunkedArray, error) {
	if stitched && stitch == nil {
		return nil, fmt.Errorf("%w: stitched array requires overlap and full_resolution to be known", ErrInvalidState)
	}

	pixelType, imgW, imgH, ok := ds.PixelInfo()
	if !ok {
		return nil, fmt.Errorf("%w: dataset has no images yet", ErrInvalidState)
	}

	h, w := imgH, imgW
	if stitched && stitch.FullResolution {
		h -= stitch.OverlapY
		w -= stitch.OverlapX
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: overlap exceeds tile size", ErrInvalidArgument)
	}

	if axes == nil {
		axes = ds.AxisNames()
	}

	fixed := make(Coords, len(slices))
	for name, v := range slices {
		fixed[name] = v
	}
	if stitched {
		delete(fixed, "row")
		delete(fixed, "column")
	}

	var axesToStack []string
	for _, name := range axes {
		if _, isFixed := fixed[name]; isFixed {
			continue
		}
		if stitched && (name == "row" || name == "column") {
			continue
		}
		axesToStack = append(axesToStack, name)
	}

	a := &ChunkedArray{
		ds:          ds,
		axesToStack: axesToStack,
		axesToSlice: fixed,
		stitched:    stitched,
		stitch:      stitch,
		tileH:       h,
		tileW:       w,
		pixelType:   pixelType,
		axisValues:  make(map[string][]AxisValue, len(axesToStack)),
		cropH:       -1,
		cropW:       -1,
	}
	a.collectAxisValues(ds.GetImageCoordinatesList())
	return a, nil
}

func (a *ChunkedArray) collectAxisValues(coordsList []Coords) {
	// String-typed axes keep the dataset's own insertion-ordered value
	// list (spec.md §9: first-observed order, not sorted order) rather
	// than whatever order a scan over coordsList would produce.
	intSeen := make(map[string]map[int32]bool, len(a.axesToStack))
	for _, name := range a.axesToStack {
		if kind, ok := a.ds.AxisKind(name); ok && kind == AxisString {
			for _, s := range a.ds.AxisValues(name) {
				a.axisValues[name] = append(a.axisValues[name], String(s))
			}
			continue
		}
		intSeen[name] = map[int32]bool{}
	}

	for _, c := range coordsList {
		for _, name := range a.axesToStack {
			if intSeen[name] == nil {
				continue // string-typed axis, already populated above
			}
			v, present := c[name]
			if !present || v.Kind != AxisInt {
				continue
			}
			if !intSeen[name][v.Int] {
				intSeen[name][v.Int] = true
				a.axisValues[name] = append(a.axisValues[name], v)
			}
		}
		if !a.stitched {
			continue
		}
		rv, rok := c["row"]
		cv, cok := c["column"]
		if rok && cok && rv.Kind == AxisInt && cv.Kind == AxisInt {
			if !a.haveGrid {
				a.minRow, a.maxRow, a.minCol, a.maxCol = rv.Int, rv.Int, cv.Int, cv.Int
				a.haveGrid = true
				continue
			}
			if rv.Int < a.minRow {
				a.minRow = rv.Int
			}
			if rv.Int > a.maxRow {
				a.maxRow = rv.Int
			}
			if cv.Int < a.minCol {
				a.minCol = cv.Int
			}
			if cv.Int > a.maxCol {
				a.maxCol = cv.Int
			}
		}
	}

	for name, values := range a.axisValues {
		if len(values) == 0 || values[0].Kind != AxisInt {
			continue
		}
		sort.Slice(values, func(i, j int) bool { return values[i].Int < values[j].Int })
		a.axisValues[name] = values
	}
}

// gridDims returns the stitched tile grid's row/column counts (1x1 when
// no grid was observed, so a stitched array over an as-yet-empty
// position axis still has a well-defined shape).
func (a *ChunkedArray) gridDims() (rows, cols int) {
	if !a.haveGrid {
		return 1, 1
	}
	return int(a.maxRow-a.minRow) + 1, int(a.maxCol-a.minCol) + 1
}

func (a *ChunkedArray) pixelSize() int {
	return a.pixelType.SamplesPerPixel() * a.pixelType.BytesPerSample()
}

// fullSpatialExtent returns the tile grid's assembled (height, width)
// before any crop is applied.
func (a *ChunkedArray) fullSpatialExtent() (h, w int) {
	rows, cols := a.gridDims()
	h, w = a.tileH, a.tileW
	if a.stitched {
		h *= rows
		w *= cols
	}
	return h, w
}

// spatialExtent returns the grid's (height, width) after cropH/cropW is
// applied, if set.
func (a *ChunkedArray) spatialExtent() (h, w int) {
	h, w = a.fullSpatialExtent()
	if a.cropH >= 0 && a.cropH < h {
		h = a.cropH
	}
	if a.cropW >= 0 && a.cropW < w {
		w = a.cropW
	}
	return h, w
}

// croppedTo returns a shallow copy of a whose assembled spatial extent
// is clipped to (h, w), discarding the zero padding a downsampled
// pyramid level's tile grid carries past the real data extent (spec.md
// §4.6). h/w must not exceed a's own full extent.
func (a *ChunkedArray) croppedTo(h, w int) *ChunkedArray {
	cp := *a
	cp.cropH = h
	cp.cropW = w
	return &cp
}

// Shape returns the array's full extent: one dimension per stacked axis,
// then height and width (and a trailing 3 for RGB).
func (a *ChunkedArray) Shape() []int {
	shape := make([]int, 0, len(a.axesToStack)+3)
	for _, name := range a.axesToStack {
		shape = append(shape, len(a.axisValues[name]))
	}
	h, w := a.spatialExtent()
	shape = append(shape, h, w)
	if a.pixelType.IsRGB() {
		shape = append(shape, 3)
	}
	return shape
}

// ChunkShape returns the shape of a single chunk: 1 along every stacked
// axis, then the (possibly cropped) spatial extent (spec.md §4.5
// "as_array" step 5 -- one chunk per value per stacked axis, full
// (h',w') for the spatial dims).
func (a *ChunkedArray) ChunkShape() []int {
	shape := make([]int, 0, len(a.axesToStack)+3)
	for range a.axesToStack {
		shape = append(shape, 1)
	}
	h, w := a.spatialExtent()
	shape = append(shape, h, w)
	if a.pixelType.IsRGB() {
		shape = append(shape, 3)
	}
	return shape
}

// Chunk is one materialized block of a ChunkedArray: row-major bytes
// shaped by Shape, one byte per sample for 8-bit pixel types and a
// little-endian uint16 per sample otherwise (matching Image.Pix).
type Chunk struct {
	Shape []int
	Data  []byte
}

// ReadChunk materializes the chunk at index (one entry per stacked axis,
// in the same order as ChunkShape's leading 1-dims).
func (a *ChunkedArray) ReadChunk(index []int) (*Chunk, error) {
	if len(index) != len(a.axesToStack) {
		return nil, fmt.Errorf("%w: ReadChunk index has %d entries, want %d", ErrInvalidArgument, len(index), len(a.axesToStack))
	}

	coords := a.axesToSlice.Clone()
	for i, name := range a.axesToStack {
		values := a.axisValues[name]
		if index[i] < 0 || index[i] >= len(values) {
			return nil, fmt.Errorf("%w: axis %q index %d out of range", ErrInvalidArgument, name, index[i])
		}
		coords[name] = values[index[i]]
	}

	var data []byte
	var err error
	if a.stitched {
		data, err = a.assembleStitched(coords)
	} else {
		data, err = a.fetchTile(coords)
	}
	if err != nil {
		return nil, err
	}

	fullH, fullW := a.fullSpatialExtent()
	data = a.cropSpatial(data, fullH, fullW)

	return &Chunk{Shape: a.ChunkShape(), Data: data}, nil
}

// cropSpatial slices data (row-major, fullH x fullW, a.pixelSize() bytes
// per pixel) down to the top-left cropH x cropW corner when a crop is
// set, discarding the zero padding past the real data extent. A no-op
// when no crop is configured or the crop doesn't shrink the extent.
func (a *ChunkedArray) cropSpatial(data []byte, fullH, fullW int) []byte {
	h, w := a.spatialExtent()
	if h == fullH && w == fullW {
		return data
	}
	pixelSize := a.pixelSize()
	rowBytes := w * pixelSize
	fullRowBytes := fullW * pixelSize
	out := make([]byte, 0, h*rowBytes)
	for y := 0; y < h; y++ {
		start := y * fullRowBytes
		out = append(out, data[start:start+rowBytes]...)
	}
	return out
}

// fetchTile returns a single tile's bytes: the real image if present,
// else a zero-filled tile of the same shape (spec.md §4.5 step 6,
// "missing image -> zero-filled tile").
func (a *ChunkedArray) fetchTile(coords Coords) ([]byte, error) {
	if !a.ds.HasImage(coords) {
		return make([]byte, a.tileH*a.tileW*a.pixelSize()), nil
	}
	img, err := a.ds.ReadImage(coords)
	if err != nil {
		return nil, err
	}
	if !a.stitched || !a.stitch.FullResolution {
		return img.Pix, nil
	}
	return cropOverlap(img, a.stitch.OverlapY, a.stitch.OverlapX, a.pixelSize()), nil
}

// assembleStitched builds the full tile grid for coords, fetching each
// (row, column) tile (cropping the overlap at full resolution) and
// concatenating along width within a row, then along height across rows
// (spec.md §4.5 step 6 "if stitched").
func (a *ChunkedArray) assembleStitched(coords Coords) ([]byte, error) {
	rows, cols := a.gridDims()
	pixelSize := a.pixelSize()
	totalW := a.tileW * cols
	out := make([]byte, a.tileH*rows*totalW*pixelSize)

	for ri := 0; ri < rows; ri++ {
		for ci := 0; ci < cols; ci++ {
			tileCoords := coords.Clone()
			if a.haveGrid {
				tileCoords["row"] = Int32(a.minRow + int32(ri))
				tileCoords["column"] = Int32(a.minCol + int32(ci))
			}

			tile, err := a.fetchTile(tileCoords)
			if err != nil {
				return nil, err
			}
			rowBytes := a.tileW * pixelSize
			for y := 0; y < a.tileH; y++ {
				srcOff := y * rowBytes
				dstRow := ri*a.tileH + y
				dstOff := (dstRow*totalW + ci*a.tileW) * pixelSize
				copy(out[dstOff:dstOff+rowBytes], tile[srcOff:srcOff+rowBytes])
			}
		}
	}
	return out, nil
}

// cropOverlap crops floor(overlap/2) off the top/left and ceil(overlap/2)
// off the bottom/right of img, per spec.md §8's stitching invariant.
func cropOverlap(img *Image, overlapY, overlapX, pixelSize int) []byte {
	loY := overlapY / 2
	hiY := overlapY - loY
	loX := overlapX / 2
	hiX := overlapX - loX

	croppedW := img.Width - overlapX
	out := make([]byte, 0, (img.Height-overlapY)*croppedW*pixelSize)
	rowBytes := croppedW * pixelSize
	for y := loY; y < img.Height-hiY; y++ {
		rowStart := (y*img.Width + loX) * pixelSize
		out = append(out, img.Pix[rowStart:rowStart+rowBytes]...)
	}
	return out
}
