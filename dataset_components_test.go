package ndtiff_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/micro-manager/ndtiff"
)

// TestConcurrentWriterAndReader is spec.md §8 scenario 2: a background
// goroutine drains a queue of (t, pixels) pairs into PutImage while the
// foreground polls has_image; once finish() completes, every image must
// be readable with correct pixels and metadata.
func TestConcurrentWriterAndReader(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}

	const n = 10
	type job struct {
		t      int
		pixels []uint16
	}
	queue := make(chan job, n)
	for tVal := 0; tVal < n; tVal++ {
		queue <- job{t: tVal, pixels: fullUint16(16, 16, uint16(tVal))}
	}
	close(queue)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := range queue {
			coords := ndtiff.Coords{"time": ndtiff.Int32(int32(j.t))}
			md := json.RawMessage(fmt.Sprintf(`{"time_metadata":%d}`, j.t))
			if err := ds.PutImage(coords, 16, 16, ndtiff.Mono16, ndtiff.Mono16Pixels{Data: j.pixels}, md); err != nil {
				t.Errorf("PutImage(time=%d): %s", j.t, err)
			}
		}
	}()

	for tVal := 0; tVal < n; tVal++ {
		ds.HasImage(ndtiff.Coords{"time": ndtiff.Int32(int32(tVal))})
	}

	wg.Wait()
	if err := ds.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}

	for tVal := 0; tVal < n; tVal++ {
		coords := ndtiff.Coords{"time": ndtiff.Int32(int32(tVal))}
		img, err := ds.ReadImage(coords)
		if err != nil {
			t.Fatalf("ReadImage(time=%d): %s", tVal, err)
		}
		if img.Uint16At(0, 0) != uint16(tVal) {
			t.Errorf("pixel time=%d = %d, want %d", tVal, img.Uint16At(0, 0), tVal)
		}
		md, err := ds.ReadMetadata(coords)
		if err != nil {
			t.Fatalf("ReadMetadata(time=%d): %s", tVal, err)
		}
		var parsed struct {
			TimeMetadata int `json:"time_metadata"`
		}
		if err := json.Unmarshal(md, &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed.TimeMetadata != tVal {
			t.Errorf("time_metadata time=%d = %d, want %d", tVal, parsed.TimeMetadata, tVal)
		}
	}
}

// TestLabeledPositionsScenario is spec.md §8 scenario 5: positions
// written in the order Pos2, Pos0, Pos1 preserve that insertion order in
// string_axis_values, not alphabetical/numeric order.
func TestLabeledPositionsScenario(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}

	order := []string{"Pos2", "Pos0", "Pos1"}
	for i, pos := range order {
		coords := ndtiff.Coords{"position": ndtiff.String(pos)}
		pixels := []byte{byte(i)}
		if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: pixels}, nil); err != nil {
			t.Fatalf("PutImage(%s): %s", pos, err)
		}
	}
	if err := ds.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	ds.Close()

	reopened, err := ndtiff.OpenDataset(ndtiff.DefaultFileSystem, dir)
	if err != nil {
		t.Fatalf("OpenDataset: %s", err)
	}
	defer reopened.Close()

	values := reopened.AxisValues("position")
	if len(values) != 3 || values[0] != "Pos2" || values[1] != "Pos0" || values[2] != "Pos1" {
		t.Errorf("AxisValues(position) = %v, want insertion order [Pos2 Pos0 Pos1]", values)
	}

	a, err := reopened.AsArray([]string{"position"}, false, nil, nil)
	if err != nil {
		t.Fatalf("AsArray: %s", err)
	}
	for i, want := range []byte{0, 1, 2} {
		chunk, err := a.ReadChunk([]int{i})
		if err != nil {
			t.Fatalf("ReadChunk(%d): %s", i, err)
		}
		if chunk.Data[0] != want {
			t.Errorf("ReadChunk(%d)[0,0] = %d, want %d", i, chunk.Data[0], want)
		}
	}
}

// TestGetChannelNamesStringAxis matches spec.md §8's boundary behavior:
// get_channel_names() equals ['DAPI','FITC'] after opening a dataset
// whose images carry those as the channel string axis in that order.
func TestGetChannelNamesStringAxis(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	for _, ch := range []string{"DAPI", "FITC"} {
		coords := ndtiff.Coords{"channel": ndtiff.String(ch)}
		if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
			t.Fatalf("PutImage(%s): %s", ch, err)
		}
	}
	if err := ds.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	ds.Close()

	reopened, err := ndtiff.OpenDataset(ndtiff.DefaultFileSystem, dir)
	if err != nil {
		t.Fatalf("OpenDataset: %s", err)
	}
	defer reopened.Close()

	names := reopened.GetChannelNames()
	if len(names) != 2 || names[0] != "DAPI" || names[1] != "FITC" {
		t.Errorf("GetChannelNames() = %v, want [DAPI FITC]", names)
	}
}

// TestGetChannelNamesChNamesSummary exercises the pre-3.2 compatibility
// path: integer channel axis values named via the summary metadata's
// ChNames field.
func TestGetChannelNamesChNamesSummary(t *testing.T) {
	dir := t.TempDir()
	summary := json.RawMessage(`{"ChNames":["DAPI","FITC","Cy5"]}`)
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, summary)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	for ch := int32(0); ch < 3; ch++ {
		coords := ndtiff.Coords{"channel": ndtiff.Int32(ch)}
		if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
			t.Fatalf("PutImage(channel=%d): %s", ch, err)
		}
	}
	if err := ds.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	ds.Close()

	reopened, err := ndtiff.OpenDataset(ndtiff.DefaultFileSystem, dir)
	if err != nil {
		t.Fatalf("OpenDataset: %s", err)
	}
	defer reopened.Close()

	names := reopened.GetChannelNames()
	want := []string{"DAPI", "FITC", "Cy5"}
	if len(names) != len(want) {
		t.Fatalf("GetChannelNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("GetChannelNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

// TestRolloverProducesMultipleFiles is spec.md §8's rollover boundary
// behavior: a small max file size forces several NDTiffStack_N.tif
// files while the index remains a single concatenation.
func TestRolloverProducesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil,
		ndtiff.WithDatasetMaxFileSize(8*1024))
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}

	const n = 20
	pixels := make([]byte, 64*64)
	for tVal := 0; tVal < n; tVal++ {
		coords := ndtiff.Coords{"time": ndtiff.Int32(int32(tVal))}
		if err := ds.PutImage(coords, 64, 64, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: pixels}, nil); err != nil {
			t.Fatalf("PutImage(time=%d): %s", tVal, err)
		}
	}
	if err := ds.Finish(); err != nil {
		t.Fatalf("Finish: %s", err)
	}
	ds.Close()

	reopened, err := ndtiff.OpenDataset(ndtiff.DefaultFileSystem, dir)
	if err != nil {
		t.Fatalf("OpenDataset: %s", err)
	}
	defer reopened.Close()

	if len(reopened.GetImageCoordinatesList()) != n {
		t.Fatalf("GetImageCoordinatesList len = %d, want %d", len(reopened.GetImageCoordinatesList()), n)
	}
	for tVal := 0; tVal < n; tVal++ {
		if _, err := reopened.ReadImage(ndtiff.Coords{"time": ndtiff.Int32(int32(tVal))}); err != nil {
			t.Fatalf("ReadImage(time=%d) after rollover: %s", tVal, err)
		}
	}
}

func TestAwaitNewImageSignaled(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	defer ds.Finish()

	done := make(chan bool, 1)
	go func() {
		done <- ds.AwaitNewImage(2 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := ds.PutImage(ndtiff.Coords{"time": ndtiff.Int32(0)}, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Errorf("AwaitNewImage timed out, want signaled")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AwaitNewImage never returned")
	}
}

// TestAwaitNewImageNoLostWakeup exercises the race a bare Cond.Wait()
// misses: PutImage (and its Broadcast) completes entirely before
// AwaitNewImage is ever called. The new_image_ready flag must still
// report the signal instead of blocking until timeout.
func TestAwaitNewImageNoLostWakeup(t *testing.T) {
	dir := t.TempDir()
	ds, err := ndtiff.NewDataset(ndtiff.DefaultFileSystem, dir, nil)
	if err != nil {
		t.Fatalf("NewDataset: %s", err)
	}
	defer ds.Finish()

	if err := ds.PutImage(ndtiff.Coords{"time": ndtiff.Int32(0)}, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
		t.Fatal(err)
	}

	if !ds.AwaitNewImage(50 * time.Millisecond) {
		t.Errorf("AwaitNewImage missed a Broadcast that happened before Wait() was reached")
	}
}
