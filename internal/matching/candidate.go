package matching

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
)

// Candidate is a face cut out of its image for compositing. Landmarks are
// fine (68-point) and given both in image space and in the patch frame.
type Candidate struct {
	Box            detector.BoundingBox // detector box the candidate was built from
	Landmarks      detector.LandmarkSet // image coordinates
	Offset         image.Point          // patch origin in the image
	Patch          gocv.Mat             // owned copy of the crop
	LocalLandmarks detector.LandmarkSet // Landmarks - Offset
}

// Region returns the patch rectangle in image coordinates
func (c *Candidate) Region() image.Rectangle {
	return image.Rectangle{
		Min: c.Offset,
		Max: c.Offset.Add(image.Pt(c.Patch.Cols(), c.Patch.Rows())),
	}
}

// Size returns the patch size as (width, height)
func (c *Candidate) Size() image.Point {
	return image.Pt(c.Patch.Cols(), c.Patch.Rows())
}

// Close releases the patch
func (c *Candidate) Close() error {
	if c == nil {
		return nil
	}
	return c.Patch.Close()
}

// SelectFace localizes the fine landmarks of the face in box, expands the
// landmarks' own bounding box by margin, clips it to the image and crops.
func SelectFace(img gocv.Mat, provider Provider, box detector.BoundingBox, margin int) (*Candidate, error) {
	points, err := provider.LocalizeLandmarks(img, box, detector.Fine)
	if err != nil {
		return nil, fmt.Errorf("failed to localize landmarks: %w", err)
	}
	if len(points) != detector.FinePoints {
		return nil, fmt.Errorf("expected %d landmarks, got %d", detector.FinePoints, len(points))
	}

	region := cropRegion(points.Bounds(), margin, img.Cols(), img.Rows())
	if region.Empty() {
		return nil, fmt.Errorf("face at %+v has an empty crop", box)
	}

	roi := img.Region(region)
	patch := roi.Clone()
	roi.Close()

	return &Candidate{
		Box:            box,
		Landmarks:      points,
		Offset:         region.Min,
		Patch:          patch,
		LocalLandmarks: points.Translate(region.Min.X, region.Min.Y),
	}, nil
}

// cropRegion expands b by margin on every side and clips it to a
// width x height image
func cropRegion(b detector.BoundingBox, margin, width, height int) image.Rectangle {
	x := max(0, b.Left-margin)
	y := max(0, b.Top-margin)
	right := min(b.Right+margin, width)
	bottom := min(b.Bottom+margin, height)
	if right <= x || bottom <= y {
		return image.Rectangle{}
	}
	return image.Rect(x, y, right, bottom)
}
