package ndtiff

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const fullResolutionDir = "Full resolution"

// PyramidDataset is a multi-resolution composite: one flat Dataset per
// resolution level, opened from a top-level directory laid out as
// "Full resolution/" plus zero or more "Downsampled_<factor>x/"
// subdirectories (spec.md §4.6).
//
// Grounded on squashfs's super.go/tablereader.go pattern of several
// independent tables each addressed by its own start offset --
// generalized here to several independent per-level datasets each
// addressed by its own directory, opened concurrently via errgroup the
// way brawer/wikidata-qrank fans out its ingestion workers.
type PyramidDataset struct {
	levels []*Dataset // index 0 is full resolution
}

// OpenPyramidDataset opens every resolution level under dir concurrently.
// Level 0 is "Full resolution"; level k (k>0) is whichever
// "Downsampled_<factor>x" directory has factor == 2^k.
func OpenPyramidDataset(fsys FileSystem, dir string) (*PyramidDataset, error) {
	names, err := fsys.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ndtiff: listing %s: %w", dir, err)
	}

	levelDirs := map[int]string{0: fullResolutionDir}
	for _, name := range names {
		k, ok := parseDownsampledLevel(name)
		if !ok {
			continue
		}
		levelDirs[k] = name
	}

	maxLevel := 0
	for k := range levelDirs {
		if k > maxLevel {
			maxLevel = k
		}
	}

	levels := make([]*Dataset, maxLevel+1)
	var mu sync.Mutex
	g, _ := errgroup.WithContext(context.Background())
	for k, name := range levelDirs {
		k, name := k, name
		g.Go(func() error {
			ds, err := OpenDataset(fsys, fsys.Join(dir, name))
			if err != nil {
				return fmt.Errorf("ndtiff: opening level %d (%s): %w", k, name, err)
			}
			mu.Lock()
			levels[k] = ds
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ds := range levels {
			if ds != nil {
				ds.Close()
			}
		}
		return nil, err
	}

	for k, ds := range levels {
		if ds == nil {
			return nil, fmt.Errorf("%w: resolution level %d has no directory under %s", ErrInvalidFormat, k, dir)
		}
	}

	return &PyramidDataset{levels: levels}, nil
}

// parseDownsampledLevel extracts k from a "Downsampled_<factor>x"
// directory name, where factor == 2^k (spec.md §4.6). Any other name --
// including a malformed "Downsampled_..." one -- is ignored, matching
// spec.md §9's resolution that only this exact naming convention is
// recognized.
func parseDownsampledLevel(name string) (int, bool) {
	const prefix = "Downsampled_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "x") {
		return 0, false
	}
	factorStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), "x")
	factor, err := strconv.Atoi(factorStr)
	if err != nil || factor <= 0 {
		return 0, false
	}
	k := math.Log2(float64(factor))
	ki := int(k)
	if math.Pow(2, float64(ki)) != float64(factor) {
		return 0, false
	}
	return ki, true
}

// Levels returns the number of resolution levels opened.
func (p *PyramidDataset) Levels() int { return len(p.levels) }

// Level returns the Dataset for resolution level k (0 is full
// resolution), or nil if k is out of range.
func (p *PyramidDataset) Level(k int) *Dataset {
	if k < 0 || k >= len(p.levels) {
		return nil
	}
	return p.levels[k]
}

func (p *PyramidDataset) level(k int) *Dataset {
	if k < 0 {
		k = 0
	}
	if k >= len(p.levels) {
		k = 0
	}
	return p.levels[k]
}

// HasImage forwards to level k (default 0).
func (p *PyramidDataset) HasImage(k int, coords Coords) bool { return p.level(k).HasImage(coords) }

// ReadImage forwards to level k (default 0).
func (p *PyramidDataset) ReadImage(k int, coords Coords) (*Image, error) {
	return p.level(k).ReadImage(coords)
}

// ReadMetadata forwards to level k (default 0).
func (p *PyramidDataset) ReadMetadata(k int, coords Coords) (json.RawMessage, error) {
	return p.level(k).ReadMetadata(coords)
}

// GetImageCoordinatesList forwards to level k (default 0).
func (p *PyramidDataset) GetImageCoordinatesList(k int) []Coords {
	return p.level(k).GetImageCoordinatesList()
}

// View returns a ReadableDataset scoped to resolution level k, so
// pyramid levels can be handed to callers that only know how to work
// against the ReadableDataset interface (PyramidDataset itself cannot
// satisfy ReadableDataset directly since its methods take an extra
// level argument). View's Close is a no-op; call PyramidDataset.Close
// to release every level.
func (p *PyramidDataset) View(k int) ReadableDataset {
	return &pyramidLevelView{p: p, level: k}
}

// pyramidLevelView adapts one PyramidDataset resolution level to
// ReadableDataset by closing over the level index.
type pyramidLevelView struct {
	p     *PyramidDataset
	level int
}

func (v *pyramidLevelView) HasImage(c Coords) bool { return v.p.HasImage(v.level, c) }

func (v *pyramidLevelView) ReadImage(c Coords) (*Image, error) { return v.p.ReadImage(v.level, c) }

func (v *pyramidLevelView) ReadMetadata(c Coords) (json.RawMessage, error) {
	return v.p.ReadMetadata(v.level, c)
}

func (v *pyramidLevelView) GetImageCoordinatesList() []Coords {
	return v.p.GetImageCoordinatesList(v.level)
}

func (v *pyramidLevelView) AwaitNewImage(timeout time.Duration) bool {
	return v.p.level(v.level).AwaitNewImage(timeout)
}

// Close is a no-op: a level view doesn't own the underlying datasets,
// PyramidDataset.Close does.
func (v *pyramidLevelView) Close() error { return nil }

// Close closes every level's dataset.
func (p *PyramidDataset) Close() error {
	var firstErr error
	for _, ds := range p.levels {
		if err := ds.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AsArray composites the pyramid per spec.md §4.6: if resLevel is
// non-nil, forwards to that level's stitched array. Otherwise it returns
// one stitched array per level, ascending, each cropped to the pixel
// extent where data actually exists at that level, stopping once the
// remaining extent in either dimension drops below 16 pixels.
func (p *PyramidDataset) AsArray(resLevel *int, axes []string, overlap StitchOptions, slices Coords) ([]*ChunkedArray, error) {
	if resLevel != nil {
		ds := p.Level(*resLevel)
		if ds == nil {
			return nil, fmt.Errorf("%w: resolution level %d not opened", ErrInvalidArgument, *resLevel)
		}
		opt := overlap
		opt.FullResolution = *resLevel == 0
		a, err := ds.AsArray(axes, true, &opt, slices)
		if err != nil {
			return nil, err
		}
		return []*ChunkedArray{a}, nil
	}

	full := p.levels[0]
	a0, err := full.AsArray(axes, true, &StitchOptions{OverlapY: overlap.OverlapY, OverlapX: overlap.OverlapX, FullResolution: true}, slices)
	if err != nil {
		return nil, err
	}
	fullShape := a0.Shape()
	baseH, baseW := fullShape[len(fullShape)-2], fullShape[len(fullShape)-1]

	out := []*ChunkedArray{a0}
	for k := 1; k < len(p.levels); k++ {
		factor := 1 << uint(k)
		h := baseH / factor
		w := baseW / factor
		if h < 16 || w < 16 {
			break
		}
		opt := StitchOptions{FullResolution: false}
		a, err := p.levels[k].AsArray(axes, true, &opt, slices)
		if err != nil {
			return nil, err
		}

		// Each level's own tile grid may carry zero padding past where
		// data actually exists at that resolution; crop it down to the
		// full-resolution extent divided by 2^k (spec.md §4.6), capped
		// to whatever the level's grid actually covers.
		levelShape := a.Shape()
		fullLevelH, fullLevelW := levelShape[len(levelShape)-2], levelShape[len(levelShape)-1]
		if h > fullLevelH {
			h = fullLevelH
		}
		if w > fullLevelW {
			w = fullLevelW
		}
		out = append(out, a.croppedTo(h, w))
	}
	return out, nil
}
