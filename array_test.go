package ndtiff_test

import (
	"testing"

	"github.com/micro-manager/ndtiff"
)

func putTile(t *testing.T, ds *ndtiff.Dataset, row, col int32, fillValue byte, w, h int) {
	t.Helper()
	coords := ndtiff.Coords{"row": ndtiff.Int32(row), "column": ndtiff.Int32(col)}
	pixels := make([]byte, w*h)
	for i := range pixels {
		pixels[i] = fillValue
	}
	if err := ds.PutImage(coords, w, h, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: pixels}, nil); err != nil {
		t.Fatalf("PutImage(row=%d,column=%d): %s", row, col, err)
	}
}

// TestStitchedCornersScenario is spec.md §8 scenario 3: a grid that
// doesn't fully cover its rectangular extent leaves the uncovered
// corners zero while the covered ones are non-zero.
func TestStitchedCornersScenario(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	defer ds.Finish()

	const w, h = 10, 10
	// Cover (0,0) and (1,1) only, leaving (0,1) and (1,0) missing.
	putTile(t, ds, 0, 0, 5, w, h)
	putTile(t, ds, 1, 1, 9, w, h)

	stitch := &ndtiff.StitchOptions{OverlapY: 2, OverlapX: 2, FullResolution: true}
	a, err := ds.AsArray(nil, true, stitch, nil)
	if err != nil {
		t.Fatalf("AsArray: %s", err)
	}

	chunk, err := a.ReadChunk(nil)
	if err != nil {
		t.Fatalf("ReadChunk: %s", err)
	}
	shape := chunk.Shape
	rowStride := shape[len(shape)-1]
	totalH := shape[len(shape)-2]

	at := func(y, x int) byte { return chunk.Data[y*rowStride+x] }

	if at(0, 0) == 0 {
		t.Errorf("top-left corner should be non-zero (covered by tile row=0,col=0)")
	}
	if at(totalH-1, rowStride-1) == 0 {
		t.Errorf("bottom-right corner should be non-zero (covered by tile row=1,col=1)")
	}
	if at(0, rowStride-1) != 0 {
		t.Errorf("top-right corner should be zero (tile row=0,col=1 is missing)")
	}
	if at(totalH-1, 0) != 0 {
		t.Errorf("bottom-left corner should be zero (tile row=1,col=0 is missing)")
	}
}

// TestStitchedNegativeRowColumnScenario is spec.md §8's boundary
// behavior: negative row/column indices span the inclusive [min,max]
// range and each tile lands at index-min.
func TestStitchedNegativeRowColumnScenario(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	defer ds.Finish()

	const w, h = 4, 4
	putTile(t, ds, -1, -1, 7, w, h)
	putTile(t, ds, 0, 0, 8, w, h)

	stitch := &ndtiff.StitchOptions{FullResolution: true}
	a, err := ds.AsArray(nil, true, stitch, nil)
	if err != nil {
		t.Fatalf("AsArray: %s", err)
	}
	shape := a.Shape()
	if shape[len(shape)-2] != 2*h || shape[len(shape)-1] != 2*w {
		t.Fatalf("Shape = %v, want a 2x2 tile grid of %dx%d tiles", shape, h, w)
	}

	chunk, err := a.ReadChunk(nil)
	if err != nil {
		t.Fatalf("ReadChunk: %s", err)
	}
	rowStride := shape[len(shape)-1]
	if chunk.Data[0] != 7 {
		t.Errorf("tile at (-1,-1) should occupy grid index (0,0): got %d, want 7", chunk.Data[0])
	}
	lastTileOrigin := h*rowStride + w
	if chunk.Data[lastTileOrigin] != 8 {
		t.Errorf("tile at (0,0) should occupy grid index (1,1): got %d, want 8", chunk.Data[lastTileOrigin])
	}
}

func TestChunkedArrayOutOfRangeIndexErrors(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	defer ds.Finish()

	if err := ds.PutImage(ndtiff.Coords{"time": ndtiff.Int32(0)}, 4, 4, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: make([]byte, 16)}, nil); err != nil {
		t.Fatal(err)
	}

	a, err := ds.AsArray([]string{"time"}, false, nil, nil)
	if err != nil {
		t.Fatalf("AsArray: %s", err)
	}
	// Only time=0 was written; requesting an out-of-range index should
	// error rather than silently return garbage.
	if _, err := a.ReadChunk([]int{1}); err == nil {
		t.Errorf("expected an error reading an out-of-range stacked-axis index")
	}
}
