package warp

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/dudu/crowdface/internal/detector"
)

// SimilarityTransform computes the least-squares 2D similarity transform
// (rotation, uniform scale, translation) mapping src onto dst, as a 3x3
// homogeneous matrix. Degenerate input yields the identity.
func SimilarityTransform(src, dst detector.LandmarkSet) *mat.Dense {
	n := min(len(src), len(dst))
	if n == 0 {
		return identity()
	}

	var srcCx, srcCy, dstCx, dstCy float64
	for i := 0; i < n; i++ {
		srcCx += float64(src[i].X)
		srcCy += float64(src[i].Y)
		dstCx += float64(dst[i].X)
		dstCy += float64(dst[i].Y)
	}
	srcCx /= float64(n)
	srcCy /= float64(n)
	dstCx /= float64(n)
	dstCy /= float64(n)

	// Cross-covariance of the centered sets
	var a11, a12, a21, a22, srcVar float64
	for i := 0; i < n; i++ {
		sx := float64(src[i].X) - srcCx
		sy := float64(src[i].Y) - srcCy
		dx := float64(dst[i].X) - dstCx
		dy := float64(dst[i].Y) - dstCy

		a11 += sx * dx
		a12 += sx * dy
		a21 += sy * dx
		a22 += sy * dy
		srcVar += sx*sx + sy*sy
	}
	if srcVar < 1e-12 {
		return identity()
	}

	// In 2D the optimal rotation and scale come straight from the
	// covariance terms
	c := a11 + a22
	s := a12 - a21
	norm := math.Hypot(c, s)
	if norm < 1e-12 {
		return identity()
	}
	cosTheta := c / norm
	sinTheta := s / norm
	scale := norm / srcVar

	tx := dstCx - scale*(cosTheta*srcCx-sinTheta*srcCy)
	ty := dstCy - scale*(sinTheta*srcCx+cosTheta*srcCy)

	return mat.NewDense(3, 3, []float64{
		scale * cosTheta, -scale * sinTheta, tx,
		scale * sinTheta, scale * cosTheta, ty,
		0, 0, 1,
	})
}

// triangleAffine solves the affine transform mapping the three src points
// onto the three dst points
func triangleAffine(src, dst [3]detector.Point) (*mat.Dense, error) {
	a := mat.NewDense(3, 3, []float64{
		float64(src[0].X), float64(src[0].Y), 1,
		float64(src[1].X), float64(src[1].Y), 1,
		float64(src[2].X), float64(src[2].Y), 1,
	})
	b := mat.NewDense(3, 2, []float64{
		float64(dst[0].X), float64(dst[0].Y),
		float64(dst[1].X), float64(dst[1].Y),
		float64(dst[2].X), float64(dst[2].Y),
	})

	if math.Abs(mat.Det(a)) < 1e-9 {
		return nil, fmt.Errorf("%w: collinear triangle", ErrDegenerate)
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	// x is 3x2 with columns (u, v); transpose into homogeneous rows
	return mat.NewDense(3, 3, []float64{
		x.At(0, 0), x.At(1, 0), x.At(2, 0),
		x.At(0, 1), x.At(1, 1), x.At(2, 1),
		0, 0, 1,
	}), nil
}

func identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// AffineMat copies the top two rows of a homogeneous matrix into a 2x3
// CV_64F Mat for gocv.WarpAffine
func AffineMat(m *mat.Dense) gocv.Mat {
	out := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			out.SetDoubleAt(r, c, m.At(r, c))
		}
	}
	return out
}

// homogeneous reads a 2x3 CV_64F Mat back into a 3x3 matrix
func homogeneous(m gocv.Mat) (*mat.Dense, error) {
	if m.Rows() != 2 || m.Cols() != 3 || m.Type() != gocv.MatTypeCV64F {
		return nil, fmt.Errorf("%w: expected 2x3 CV_64F transform, got %dx%d", ErrDegenerate, m.Rows(), m.Cols())
	}
	out := identity()
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, m.GetDoubleAt(r, c))
		}
	}
	return out, nil
}
