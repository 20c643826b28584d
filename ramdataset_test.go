package ndtiff_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/micro-manager/ndtiff"
)

func TestRamDatasetPutAndReadImage(t *testing.T) {
	ds := ndtiff.NewRamDataset()

	coords := ndtiff.Coords{"time": ndtiff.Int32(0)}
	pixels := []byte{1, 2, 3, 4}
	md := json.RawMessage(`{"exposure":10}`)
	if err := ds.PutImage(coords, 2, 2, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: pixels}, md); err != nil {
		t.Fatalf("PutImage: %s", err)
	}

	if !ds.HasImage(coords) {
		t.Fatalf("HasImage should be true after PutImage")
	}
	img, err := ds.ReadImage(coords)
	if err != nil {
		t.Fatalf("ReadImage: %s", err)
	}
	for i, want := range pixels {
		if img.Pix[i] != want {
			t.Errorf("Pix[%d] = %d, want %d", i, img.Pix[i], want)
		}
	}

	gotMD, err := ds.ReadMetadata(coords)
	if err != nil {
		t.Fatalf("ReadMetadata: %s", err)
	}
	var parsed struct {
		Exposure int `json:"exposure"`
	}
	if err := json.Unmarshal(gotMD, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Exposure != 10 {
		t.Errorf("Exposure = %d, want 10", parsed.Exposure)
	}
}

func TestRamDatasetReadImageMissing(t *testing.T) {
	ds := ndtiff.NewRamDataset()
	if _, err := ds.ReadImage(ndtiff.Coords{"time": ndtiff.Int32(0)}); err != ndtiff.ErrImageNotFound {
		t.Errorf("err = %v, want ErrImageNotFound", err)
	}
}

func TestRamDatasetGetImageCoordinatesList(t *testing.T) {
	ds := ndtiff.NewRamDataset()
	for tVal := int32(0); tVal < 3; tVal++ {
		coords := ndtiff.Coords{"time": ndtiff.Int32(tVal)}
		if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if len(ds.GetImageCoordinatesList()) != 3 {
		t.Errorf("GetImageCoordinatesList len = %d, want 3", len(ds.GetImageCoordinatesList()))
	}
}

func TestRamDatasetAwaitNewImage(t *testing.T) {
	ds := ndtiff.NewRamDataset()
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

// TestRamDatasetAwaitNewImageNoLostWakeup is the same check as
// dataset_test's: a PutImage (and its Broadcast) that completes before
// AwaitNewImage is ever called must still be observed.
func TestRamDatasetAwaitNewImageNoLostWakeup(t *testing.T) {
	ds := ndtiff.NewRamDataset()
	if err := ds.PutImage(ndtiff.Coords{"time": ndtiff.Int32(0)}, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{0}}, nil); err != nil {
		t.Fatal(err)
	}
	if !ds.AwaitNewImage(50 * time.Millisecond) {
		t.Errorf("AwaitNewImage missed a Broadcast that happened before Wait() was reached")
	}
}

func TestRamDatasetAwaitNewImageTimesOut(t *testing.T) {
	ds := ndtiff.NewRamDataset()
	if ds.AwaitNewImage(50 * time.Millisecond) {
		t.Errorf("AwaitNewImage should time out when nothing is written")
	}
}

func TestRamDatasetCloseDropsStateAndSignalsFinished(t *testing.T) {
	ds := ndtiff.NewRamDataset()
	coords := ndtiff.Coords{"time": ndtiff.Int32(0)}
	if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{9}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if ds.HasImage(coords) {
		t.Errorf("HasImage should be false after Close drops state")
	}
	if !ds.BlockUntilFinished(time.Second) {
		t.Errorf("BlockUntilFinished should return true immediately after Close")
	}
	if err := ds.PutImage(coords, 1, 1, ndtiff.Mono8, ndtiff.Mono8Pixels{Data: []byte{9}}, nil); err == nil {
		t.Errorf("PutImage after Close should fail")
	}
}
