package matching

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"testing"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/encoder"
)

type fakeFace struct {
	box  detector.BoundingBox
	desc encoder.Descriptor
}

// fakeProvider serves faces keyed by image width. Coarse landmarks carry
// the box corner so ComputeDescriptor can find the face again.
type fakeProvider struct {
	faces       map[int][]fakeFace
	descCalls   atomic.Int64
	detectError error
}

func (f *fakeProvider) DetectFaces(img gocv.Mat) ([]detector.BoundingBox, error) {
	if f.detectError != nil {
		return nil, f.detectError
	}
	var boxes []detector.BoundingBox
	for _, face := range f.faces[img.Cols()] {
		boxes = append(boxes, face.box)
	}
	return boxes, nil
}

func (f *fakeProvider) LocalizeLandmarks(img gocv.Mat, box detector.BoundingBox, variant detector.Variant) (detector.LandmarkSet, error) {
	if variant == detector.Coarse {
		corner := detector.Point{X: float32(box.Left), Y: float32(box.Top)}
		return detector.LandmarkSet{corner, corner, corner, corner, corner}, nil
	}
	return gridIn(box), nil
}

func (f *fakeProvider) ComputeDescriptor(img gocv.Mat, coarse detector.LandmarkSet, jitterIters int) (encoder.Descriptor, error) {
	f.descCalls.Add(1)
	for _, face := range f.faces[img.Cols()] {
		if float32(face.box.Left) == coarse[0].X && float32(face.box.Top) == coarse[0].Y {
			return face.desc, nil
		}
	}
	return nil, fmt.Errorf("no face at %v", coarse[0])
}

// gridIn spreads 68 points over the inside of box
func gridIn(box detector.BoundingBox) detector.LandmarkSet {
	pts := make(detector.LandmarkSet, detector.FinePoints)
	w := float32(box.Width() - 4)
	h := float32(box.Height() - 4)
	for i := range pts {
		pts[i] = detector.Point{
			X: float32(box.Left+2) + w*float32(i%9)/8,
			Y: float32(box.Top+2) + h*float32(i/9)/7,
		}
	}
	return pts
}

const (
	crowdWidth   = 300
	selfieWidth  = 120
	selfieWidth2 = 150
)

// crowdFaces lays out n 30x30 faces on a grid inside a 300x200 image
func crowdFaces(n int, desc func(i int) encoder.Descriptor) []fakeFace {
	faces := make([]fakeFace, n)
	for i := range faces {
		x := 10 + 40*(i%7)
		y := 20 + 60*(i/7)
		faces[i] = fakeFace{
			box:  detector.BoundingBox{Left: x, Top: y, Right: x + 30, Bottom: y + 30},
			desc: desc(i),
		}
	}
	return faces
}

func newImage(t *testing.T, width int) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(200, width, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

func newEngine(t *testing.T, p Provider, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(p, cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func match(t *testing.T, e *Engine, crowd gocv.Mat, selfies ...Selfie) []Pair {
	t.Helper()
	pairs, err := e.Match(context.Background(), crowd, selfies)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	t.Cleanup(func() { ClosePairs(pairs) })
	return pairs
}

func TestMatchPicksNearestCrowdFace(t *testing.T) {
	p := &fakeProvider{faces: map[int][]fakeFace{
		crowdWidth: crowdFaces(3, func(i int) encoder.Descriptor {
			return encoder.Descriptor{float64(5 * i), float64(5 * i)}
		}),
		selfieWidth: {{
			box:  detector.BoundingBox{Left: 20, Top: 20, Right: 80, Bottom: 90},
			desc: encoder.Descriptor{5.2, 4.9},
		}},
	}}

	e := newEngine(t, p, DefaultConfig())
	crowd := newImage(t, crowdWidth)
	pairs := match(t, e, crowd, Selfie{Image: newImage(t, selfieWidth)})

	if len(pairs) != 1 {
		t.Fatalf("len(Match()) = %d, want 1", len(pairs))
	}
	got := pairs[0]
	if got.CrowdIndex != 1 {
		t.Errorf("CrowdIndex = %d, want 1", got.CrowdIndex)
	}
	if got.Destination.Box != p.faces[crowdWidth][1].box {
		t.Errorf("Destination.Box = %+v, want %+v", got.Destination.Box, p.faces[crowdWidth][1].box)
	}
	if got.Source.Box != p.faces[selfieWidth][0].box {
		t.Errorf("Source.Box = %+v, want %+v", got.Source.Box, p.faces[selfieWidth][0].box)
	}
	if want := math.Hypot(0.2, 0.1); math.Abs(got.Distance-want) > 1e-9 {
		t.Errorf("Distance = %v, want %v", got.Distance, want)
	}
	if got.Exhausted {
		t.Error("Exhausted = true, want false")
	}
}

func TestMatchPointsOfInterest(t *testing.T) {
	left := detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}
	right := detector.BoundingBox{Left: 60, Top: 5, Right: 110, Bottom: 60}
	p := &fakeProvider{faces: map[int][]fakeFace{
		crowdWidth: crowdFaces(2, func(i int) encoder.Descriptor { return encoder.Descriptor{float64(i)} }),
		selfieWidth: {
			{box: left, desc: encoder.Descriptor{0}},
			{box: right, desc: encoder.Descriptor{1}},
		},
	}}
	e := newEngine(t, p, DefaultConfig())
	crowd := newImage(t, crowdWidth)
	selfie := newImage(t, selfieWidth)

	pairs := match(t, e, crowd, Selfie{Image: selfie, Points: []image.Point{{X: 80, Y: 30}}})
	if len(pairs) != 1 {
		t.Fatalf("len(Match()) = %d, want 1", len(pairs))
	}
	if pairs[0].Source.Box != right {
		t.Errorf("Source.Box = %+v, want %+v", pairs[0].Source.Box, right)
	}

	// Two points in the same face still select it once
	pairs = match(t, e, crowd, Selfie{Image: selfie, Points: []image.Point{{X: 10, Y: 10}, {X: 20, Y: 20}}})
	if len(pairs) != 1 || pairs[0].Source.Box != left {
		t.Errorf("Match() with two points in one face = %d pairs, want 1 on %+v", len(pairs), left)
	}

	_, err := e.Match(context.Background(), crowd, []Selfie{{Image: selfie, Points: []image.Point{{X: 119, Y: 190}}}})
	if !errors.Is(err, ErrNoFaces) {
		t.Errorf("Match() with unmatched point error = %v, want ErrNoFaces", err)
	}
}

func TestMatchExhaustion(t *testing.T) {
	p := &fakeProvider{faces: map[int][]fakeFace{
		crowdWidth: crowdFaces(1, func(int) encoder.Descriptor { return encoder.Descriptor{0, 0} }),
		selfieWidth: {
			{box: detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}, desc: encoder.Descriptor{1, 0}},
			{box: detector.BoundingBox{Left: 60, Top: 5, Right: 110, Bottom: 60}, desc: encoder.Descriptor{0, 1}},
		},
	}}
	crowd := newImage(t, crowdWidth)
	selfie := Selfie{Image: newImage(t, selfieWidth)}

	pairs := match(t, newEngine(t, p, DefaultConfig()), crowd, selfie)
	if len(pairs) != 2 {
		t.Fatalf("len(Match()) = %d, want 2", len(pairs))
	}
	if pairs[0].CrowdIndex != 0 || pairs[1].CrowdIndex != 0 {
		t.Errorf("CrowdIndex = %d, %d, want 0, 0", pairs[0].CrowdIndex, pairs[1].CrowdIndex)
	}
	if pairs[0].Exhausted {
		t.Error("first pair Exhausted = true, want false")
	}
	if !pairs[1].Exhausted {
		t.Error("second pair Exhausted = false, want true")
	}
	if !math.IsInf(pairs[1].Distance, 1) {
		t.Errorf("exhausted Distance = %v, want +Inf", pairs[1].Distance)
	}

	cfg := DefaultConfig()
	cfg.StrictExhaustion = true
	got, err := newEngine(t, p, cfg).Match(context.Background(), crowd, []Selfie{selfie})
	if !errors.Is(err, ErrAssignmentExhausted) {
		t.Errorf("strict Match() error = %v, want ErrAssignmentExhausted", err)
	}
	if got != nil {
		t.Errorf("strict Match() = %v, want nil", got)
	}
}

func TestMatchNoFaces(t *testing.T) {
	selfieFace := []fakeFace{{box: detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}, desc: encoder.Descriptor{0}}}
	crowd := crowdFaces(2, func(i int) encoder.Descriptor { return encoder.Descriptor{float64(i)} })

	tests := []struct {
		name    string
		faces   map[int][]fakeFace
		selfies int
	}{
		{"empty crowd", map[int][]fakeFace{selfieWidth: selfieFace}, 1},
		{"empty selfie", map[int][]fakeFace{crowdWidth: crowd}, 1},
		{"no selfies", map[int][]fakeFace{crowdWidth: crowd}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, &fakeProvider{faces: tt.faces}, DefaultConfig())
			var selfies []Selfie
			for i := 0; i < tt.selfies; i++ {
				selfies = append(selfies, Selfie{Image: newImage(t, selfieWidth)})
			}
			pairs, err := e.Match(context.Background(), newImage(t, crowdWidth), selfies)
			if !errors.Is(err, ErrNoFaces) {
				t.Errorf("Match() error = %v, want ErrNoFaces", err)
			}
			if pairs != nil {
				t.Errorf("Match() = %v, want nil", pairs)
			}
		})
	}
}

func TestMatchDetectError(t *testing.T) {
	boom := errors.New("boom")
	e := newEngine(t, &fakeProvider{detectError: boom}, DefaultConfig())
	_, err := e.Match(context.Background(), newImage(t, crowdWidth), nil)
	if !errors.Is(err, boom) {
		t.Errorf("Match() error = %v, want %v", err, boom)
	}
}

// spreadFaces gives the crowd and two selfies descriptors whose greedy
// assignment depends on the order of processing
func spreadFaces() *fakeProvider {
	return &fakeProvider{faces: map[int][]fakeFace{
		crowdWidth: crowdFaces(7, func(i int) encoder.Descriptor {
			return encoder.Descriptor{float64(i), float64((i * 3) % 7)}
		}),
		selfieWidth: {
			{box: detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}, desc: encoder.Descriptor{2.1, 6}},
			{box: detector.BoundingBox{Left: 60, Top: 5, Right: 110, Bottom: 60}, desc: encoder.Descriptor{2.4, 5.5}},
		},
		selfieWidth2: {
			{box: detector.BoundingBox{Left: 10, Top: 50, Right: 60, Bottom: 110}, desc: encoder.Descriptor{5.5, 1.2}},
		},
	}}
}

func crowdIndices(pairs []Pair) []int {
	out := make([]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.CrowdIndex
	}
	return out
}

func TestMatchParallelEqualsSequential(t *testing.T) {
	crowd := newImage(t, crowdWidth)
	selfies := []Selfie{{Image: newImage(t, selfieWidth)}, {Image: newImage(t, selfieWidth2)}}

	cfg := DefaultConfig()
	cfg.NJobs = 1
	want := crowdIndices(match(t, newEngine(t, spreadFaces(), cfg), crowd, selfies...))
	if len(want) != 3 {
		t.Fatalf("sequential Match() = %d pairs, want 3", len(want))
	}
	// The second selfie face loses crowd face 2 to the first
	if want[0] != 2 || want[1] == 2 {
		t.Fatalf("sequential assignment = %v, want crowd 2 first and not reused", want)
	}

	for _, jobs := range []int{2, 3, 4, 7, 12} {
		t.Run(fmt.Sprintf("jobs=%d", jobs), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.NJobs = jobs
			got := crowdIndices(match(t, newEngine(t, spreadFaces(), cfg), crowd, selfies...))
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("Match() with %d jobs = %v, want %v", jobs, got, want)
			}
		})
	}
}

func TestMatchSelfieOrder(t *testing.T) {
	crowd := newImage(t, crowdWidth)
	selfies := []Selfie{{Image: newImage(t, selfieWidth)}, {Image: newImage(t, selfieWidth2)}}
	pairs := match(t, newEngine(t, spreadFaces(), DefaultConfig()), crowd, selfies...)

	wantSelfie := []int{0, 0, 1}
	for i, p := range pairs {
		if p.SelfieIndex != wantSelfie[i] {
			t.Errorf("pairs[%d].SelfieIndex = %d, want %d", i, p.SelfieIndex, wantSelfie[i])
		}
	}
}

func TestMatchRecomputesCrowdDescriptors(t *testing.T) {
	p := &fakeProvider{faces: map[int][]fakeFace{
		crowdWidth: crowdFaces(3, func(i int) encoder.Descriptor { return encoder.Descriptor{float64(i)} }),
		selfieWidth: {
			{box: detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}, desc: encoder.Descriptor{0}},
			{box: detector.BoundingBox{Left: 60, Top: 5, Right: 110, Bottom: 60}, desc: encoder.Descriptor{1}},
		},
	}}
	match(t, newEngine(t, p, DefaultConfig()), newImage(t, crowdWidth), Selfie{Image: newImage(t, selfieWidth)})

	// 2 selfie faces + 3 crowd faces + 2 still unclaimed crowd faces
	if got := p.descCalls.Load(); got != 7 {
		t.Errorf("ComputeDescriptor calls = %d, want 7", got)
	}
}

func TestMatchSamplesCrowd(t *testing.T) {
	newProvider := func() *fakeProvider {
		return &fakeProvider{faces: map[int][]fakeFace{
			crowdWidth: crowdFaces(10, func(i int) encoder.Descriptor { return encoder.Descriptor{float64(i)} }),
			selfieWidth: {
				{box: detector.BoundingBox{Left: 5, Top: 5, Right: 50, Bottom: 60}, desc: encoder.Descriptor{4.5}},
			},
		}}
	}
	cfg := DefaultConfig()
	cfg.MaxDstBoxes = 4
	cfg.Seed = 42
	crowd := newImage(t, crowdWidth)
	selfie := Selfie{Image: newImage(t, selfieWidth)}

	p := newProvider()
	first := match(t, newEngine(t, p, cfg), crowd, selfie)
	if got := p.descCalls.Load(); got != 5 {
		t.Errorf("ComputeDescriptor calls = %d, want 5", got)
	}
	if idx := first[0].CrowdIndex; idx < 0 || idx >= 10 {
		t.Errorf("CrowdIndex = %d, want within [0, 10)", idx)
	}

	again := match(t, newEngine(t, newProvider(), cfg), crowd, selfie)
	if first[0].CrowdIndex != again[0].CrowdIndex {
		t.Errorf("same seed gave crowd %d then %d", first[0].CrowdIndex, again[0].CrowdIndex)
	}
}

func TestMatchSamplesSelfies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSrcBoxes = 2
	cfg.Seed = 7
	crowd := newImage(t, crowdWidth)
	selfies := []Selfie{{Image: newImage(t, selfieWidth)}, {Image: newImage(t, selfieWidth2)}}

	// position of a source face in detection order across all selfies
	order := func(pairs []Pair) []int {
		out := make([]int, len(pairs))
		for i, p := range pairs {
			out[i] = p.SelfieIndex*1000 + p.Source.Box.Left
		}
		return out
	}

	first := order(match(t, newEngine(t, spreadFaces(), cfg), crowd, selfies...))
	if len(first) != 2 {
		t.Fatalf("len(Match()) = %d, want 2", len(first))
	}
	if first[0] >= first[1] {
		t.Errorf("sampled selfie faces = %v, want ascending detection order", first)
	}

	again := order(match(t, newEngine(t, spreadFaces(), cfg), crowd, selfies...))
	if fmt.Sprint(again) != fmt.Sprint(first) {
		t.Errorf("same seed sampled %v then %v", first, again)
	}
}

func TestMatchExhaustionParallel(t *testing.T) {
	p := spreadFaces()
	p.faces[crowdWidth] = crowdFaces(2, func(i int) encoder.Descriptor { return encoder.Descriptor{float64(i), 0} })
	cfg := DefaultConfig()
	cfg.NJobs = 2

	crowd := newImage(t, crowdWidth)
	selfies := []Selfie{{Image: newImage(t, selfieWidth)}, {Image: newImage(t, selfieWidth2)}}
	pairs := match(t, newEngine(t, p, cfg), crowd, selfies...)
	if len(pairs) != 3 {
		t.Fatalf("len(Match()) = %d, want 3", len(pairs))
	}
	if pairs[0].CrowdIndex == pairs[1].CrowdIndex {
		t.Errorf("first two pairs share crowd face %d", pairs[0].CrowdIndex)
	}
	for i, pair := range pairs[:2] {
		if pair.Exhausted {
			t.Errorf("pairs[%d].Exhausted = true, want false", i)
		}
	}

	last := pairs[2]
	if last.CrowdIndex != 0 {
		t.Errorf("exhausted CrowdIndex = %d, want 0", last.CrowdIndex)
	}
	if !last.Exhausted {
		t.Error("third pair Exhausted = false, want true")
	}
	if !math.IsInf(last.Distance, 1) {
		t.Errorf("exhausted Distance = %v, want +Inf", last.Distance)
	}
}

func TestMatchCanceled(t *testing.T) {
	e := newEngine(t, spreadFaces(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Match(ctx, newImage(t, crowdWidth), []Selfie{{Image: newImage(t, selfieWidth)}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Match() error = %v, want context.Canceled", err)
	}
}

func TestMatchAfterClose(t *testing.T) {
	e, err := NewEngine(spreadFaces(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := e.Match(context.Background(), newImage(t, crowdWidth), nil); err == nil {
		t.Error("Match() after Close() should fail")
	}
}

func TestNewEngineValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDstBoxes = 0
	if _, err := NewEngine(spreadFaces(), cfg); err == nil {
		t.Error("NewEngine() with MaxDstBoxes=0 should fail")
	}
	if _, err := NewEngine(nil, DefaultConfig()); err == nil {
		t.Error("NewEngine() without provider should fail")
	}
}
