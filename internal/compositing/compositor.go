package compositing

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/matching"
)

var (
	// ErrNoPairs is returned when there is nothing to composite
	ErrNoPairs = errors.New("no matched pairs to composite")
	// ErrPrimitive wraps failures of the warp and blend primitives
	ErrPrimitive = errors.New("compositing primitive failed")
)

// boxColor is red on BGR canvases
var boxColor = color.RGBA{R: 255, A: 255}

const boxThickness = 2

// Library is the set of geometric primitives the compositor is built on
type Library interface {
	Warp2D(patch, transform gocv.Mat, size image.Point) (gocv.Mat, error)
	Warp3D(patch gocv.Mat, src, dst detector.LandmarkSet, size image.Point) (gocv.Mat, error)
	MaskFromPoints(size image.Point, points detector.LandmarkSet, radius int) (gocv.Mat, error)
	ApplyMask(img, mask gocv.Mat) (gocv.Mat, error)
	CorrectColors(reference, target gocv.Mat, points detector.LandmarkSet) (gocv.Mat, error)
	EstimateTransform(dst, src detector.LandmarkSet) (gocv.Mat, error)
	SeamlessClone(src, dst, mask gocv.Mat, center image.Point) (gocv.Mat, error)
}

// Result is the outcome of a composite. Final and Annotated are copies of
// the canvas owned by the caller.
type Result struct {
	Final     gocv.Mat
	Annotated gocv.Mat          // Final with a box around every replaced face
	Boxes     []image.Rectangle // crop rectangles written, in pair order
}

// Close releases both images
func (r *Result) Close() error {
	return errors.Join(r.Final.Close(), r.Annotated.Close())
}

// Compositor blends matched selfie faces into a crowd canvas
type Compositor struct {
	lib          Library
	mode         WarpMode
	colorCorrect bool
}

// New creates a compositor
func New(lib Library, mode WarpMode, colorCorrect bool) *Compositor {
	return &Compositor{lib: lib, mode: mode, colorCorrect: colorCorrect}
}

// Mode returns the warp mode in use
func (c *Compositor) Mode() WarpMode { return c.mode }

// Composite replaces the destination face of every pair in canvas, in
// order. The canvas is modified in place; on error, pairs already written
// stay written and the canvas should be discarded.
func (c *Compositor) Composite(ctx context.Context, pairs []matching.Pair, canvas *gocv.Mat) (*Result, error) {
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	if canvas == nil || canvas.Empty() {
		return nil, errors.New("composite needs a non-empty canvas")
	}

	bounds := image.Rect(0, 0, canvas.Cols(), canvas.Rows())
	boxes := make([]image.Rectangle, 0, len(pairs))

	for i := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pair := &pairs[i]

		region := pair.Destination.Region()
		if !region.In(bounds) {
			return nil, fmt.Errorf("pair %d: destination %v outside canvas %v", i, region, bounds)
		}

		face, err := c.insert(pair)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}

		roi := canvas.Region(region)
		face.CopyTo(&roi)
		roi.Close()
		face.Close()

		boxes = append(boxes, region)
		logging.Debugf("composited pair %d into %v (%s warp)", i, region, c.mode)
	}

	annotated := canvas.Clone()
	for _, r := range boxes {
		gocv.Rectangle(&annotated, r, boxColor, boxThickness)
	}

	return &Result{Final: canvas.Clone(), Annotated: annotated, Boxes: boxes}, nil
}

// insert produces the blended destination patch for one pair
func (c *Compositor) insert(pair *matching.Pair) (gocv.Mat, error) {
	st := c.mode.strategy()
	dst := pair.Destination

	src, err := st.preWarp(c.lib, pair, c.colorCorrect)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: prepare source: %w", ErrPrimitive, err)
	}
	defer src.Close()

	warped, err := st.warp(c.lib, pair, src)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: warp: %w", ErrPrimitive, err)
	}
	defer warped.Close()

	hull, err := c.lib.MaskFromPoints(dst.Size(), dst.LocalLandmarks, maskRadius)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: destination mask: %w", ErrPrimitive, err)
	}
	defer hull.Close()

	mask, err := blendMask(hull, warped)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer mask.Close()

	corrected, err := st.postWarp(c.lib, pair, warped, mask, c.colorCorrect)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: color correction: %w", ErrPrimitive, err)
	}
	defer corrected.Close()

	r, ok := maskBounds(mask)
	if !ok {
		return gocv.NewMat(), fmt.Errorf("%w: empty blend mask", ErrPrimitive)
	}

	out, err := c.lib.SeamlessClone(corrected, dst.Patch, mask, blendCenter(r))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: seamless clone: %w", ErrPrimitive, err)
	}
	if out.Cols() != dst.Patch.Cols() || out.Rows() != dst.Patch.Rows() {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("%w: blended face is %dx%d, want %dx%d",
			ErrPrimitive, out.Cols(), out.Rows(), dst.Patch.Cols(), dst.Patch.Rows())
	}
	return out, nil
}
