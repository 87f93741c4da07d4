package compositing

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// blendMask keeps the pixels of hull where warped is not black in every
// channel. The result is 0 or 255.
func blendMask(hull, warped gocv.Mat) (gocv.Mat, error) {
	if hull.Rows() != warped.Rows() || hull.Cols() != warped.Cols() {
		return gocv.NewMat(), fmt.Errorf("%w: mask %dx%d does not match warped face %dx%d",
			ErrPrimitive, hull.Cols(), hull.Rows(), warped.Cols(), warped.Rows())
	}

	black := gocv.NewMat()
	defer black.Close()
	zero := gocv.NewScalar(0, 0, 0, 0)
	gocv.InRangeWithScalar(warped, zero, zero, &black)

	lit := gocv.NewMat()
	defer lit.Close()
	gocv.BitwiseNot(black, &lit)

	inside := gocv.NewMat()
	defer inside.Close()
	gocv.BitwiseAnd(hull, lit, &inside)

	mask := gocv.NewMat()
	gocv.Threshold(inside, &mask, 0, 255, gocv.ThresholdBinary)
	if mask.Empty() {
		mask.Close()
		return gocv.NewMat(), fmt.Errorf("%w: blend mask produced no output", ErrPrimitive)
	}
	return mask, nil
}

// maskBounds returns the bounding rectangle of the non-zero pixels
func maskBounds(mask gocv.Mat) (image.Rectangle, bool) {
	if gocv.CountNonZero(mask) == 0 {
		return image.Rectangle{}, false
	}

	locations := gocv.NewMat()
	defer locations.Close()
	gocv.FindNonZero(mask, &locations)

	pv := gocv.NewPointVectorFromMat(locations)
	defer pv.Close()
	return gocv.BoundingRect(pv), true
}

// blendCenter is the center handed to seamless cloning: the bounding
// rectangle origin plus half its size, rounded down
func blendCenter(r image.Rectangle) image.Point {
	return image.Pt(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)
}
