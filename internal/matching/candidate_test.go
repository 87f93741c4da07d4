package matching

import (
	"image"
	"testing"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
)

func TestCropRegion(t *testing.T) {
	tests := []struct {
		name   string
		box    detector.BoundingBox
		margin int
		want   image.Rectangle
	}{
		{"inside", detector.BoundingBox{Left: 30, Top: 40, Right: 60, Bottom: 80}, 10, image.Rect(20, 30, 70, 90)},
		{"clipped top left", detector.BoundingBox{Left: 4, Top: 2, Right: 30, Bottom: 30}, 10, image.Rect(0, 0, 40, 40)},
		{"clipped bottom right", detector.BoundingBox{Left: 80, Top: 70, Right: 98, Bottom: 99}, 10, image.Rect(70, 60, 100, 100)},
		{"no margin", detector.BoundingBox{Left: 10, Top: 10, Right: 20, Bottom: 20}, 0, image.Rect(10, 10, 20, 20)},
		{"outside", detector.BoundingBox{Left: 150, Top: 150, Right: 160, Bottom: 160}, 10, image.Rectangle{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cropRegion(tt.box, tt.margin, 100, 100); got != tt.want {
				t.Errorf("cropRegion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectFace(t *testing.T) {
	img := gocv.NewMatWithSize(100, 120, gocv.MatTypeCV8UC3)
	defer img.Close()
	img.SetUCharAt3(50, 50, 1, 77)

	box := detector.BoundingBox{Left: 30, Top: 30, Right: 80, Bottom: 90}
	c, err := SelectFace(img, &fakeProvider{}, box, 10)
	if err != nil {
		t.Fatalf("SelectFace() error = %v", err)
	}
	defer c.Close()

	// landmarks span [32, 78] x [32, 88]
	wantRegion := image.Rect(22, 22, 88, 98)
	if got := c.Region(); got != wantRegion {
		t.Errorf("Region() = %v, want %v", got, wantRegion)
	}
	if c.Box != box {
		t.Errorf("Box = %+v, want %+v", c.Box, box)
	}
	if len(c.LocalLandmarks) != detector.FinePoints {
		t.Fatalf("len(LocalLandmarks) = %d, want %d", len(c.LocalLandmarks), detector.FinePoints)
	}
	if got, want := c.LocalLandmarks[0], (detector.Point{X: 10, Y: 10}); got != want {
		t.Errorf("LocalLandmarks[0] = %v, want %v", got, want)
	}
	if got := c.Patch.GetVecbAt(50-22, 50-22)[1]; got != 77 {
		t.Errorf("patch pixel = %d, want 77", got)
	}

	// The patch is a copy
	img.SetUCharAt3(50, 50, 1, 0)
	if got := c.Patch.GetVecbAt(28, 28)[1]; got != 77 {
		t.Errorf("patch pixel after source write = %d, want 77", got)
	}
}

type shortProvider struct{ fakeProvider }

func (*shortProvider) LocalizeLandmarks(gocv.Mat, detector.BoundingBox, detector.Variant) (detector.LandmarkSet, error) {
	return detector.LandmarkSet{{X: 1, Y: 1}}, nil
}

func TestSelectFaceRejectsShortLandmarks(t *testing.T) {
	img := gocv.NewMatWithSize(50, 50, gocv.MatTypeCV8UC3)
	defer img.Close()
	if _, err := SelectFace(img, &shortProvider{}, detector.BoundingBox{Right: 20, Bottom: 20}, 5); err == nil {
		t.Error("SelectFace() with 1 landmark should fail")
	}
}
