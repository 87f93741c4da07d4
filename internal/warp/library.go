package warp

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/dudu/crowdface/internal/detector"
)

// ErrDegenerate reports geometry a primitive cannot work with: collinear
// triangles, empty masks, or a primitive that produced no output.
var ErrDegenerate = errors.New("degenerate geometry")

const (
	// colorBlurFrac scales the inter-eye distance into the color
	// correction blur kernel
	colorBlurFrac = 0.75
	// minLandmarksForColor is the fine-landmark count needed to locate both eyes
	minLandmarksForColor = 48
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Library implements the geometric warp and blend primitives on gocv.
// It holds no state and is safe for concurrent use.
type Library struct{}

// New creates a warp library
func New() *Library {
	return &Library{}
}

// Warp2D warps patch into an image of the given size. transform maps
// output (destination) coordinates to patch coordinates, as returned by
// EstimateTransform(dst, src).
func (l *Library) Warp2D(patch, transform gocv.Mat, size image.Point) (gocv.Mat, error) {
	M, err := homogeneous(transform)
	if err != nil {
		return gocv.NewMat(), err
	}

	var inv mat.Dense
	if err := inv.Inverse(M); err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: transform not invertible: %v", ErrDegenerate, err)
	}

	forward := AffineMat(&inv)
	defer forward.Close()

	out := gocv.NewMat()
	gocv.WarpAffine(patch, &out, forward, size)
	if out.Empty() {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("%w: 2d warp produced no output", ErrDegenerate)
	}
	return out, nil
}

// Warp3D performs a piecewise-affine warp: the destination points are
// Delaunay-triangulated and each triangle of patch is mapped onto its
// destination triangle. Pixels outside the triangulation are black.
func (l *Library) Warp3D(patch gocv.Mat, src, dst detector.LandmarkSet, size image.Point) (gocv.Mat, error) {
	if len(src) != len(dst) {
		return gocv.NewMat(), fmt.Errorf("%w: %d source points vs %d destination points", ErrDegenerate, len(src), len(dst))
	}

	triangles, err := Triangulate(dst)
	if err != nil {
		return gocv.NewMat(), err
	}

	out := gocv.NewMatWithSize(size.Y, size.X, patch.Type())
	bounds := image.Rect(0, 0, size.X, size.Y)

	for _, tri := range triangles {
		srcTri := [3]detector.Point{src[tri[0]], src[tri[1]], src[tri[2]]}
		dstTri := [3]detector.Point{dst[tri[0]], dst[tri[1]], dst[tri[2]]}

		r := triangleBounds(dstTri).Intersect(bounds)
		if r.Empty() {
			continue
		}

		A, err := triangleAffine(srcTri, dstTri)
		if err != nil {
			// Sliver triangles contribute no pixels
			continue
		}
		// Shift so the warp lands in the triangle's bounding rect
		A.Set(0, 2, A.At(0, 2)-float64(r.Min.X))
		A.Set(1, 2, A.At(1, 2)-float64(r.Min.Y))

		if err := warpTriangle(patch, &out, A, dstTri, r); err != nil {
			out.Close()
			return gocv.NewMat(), err
		}
	}

	return out, nil
}

func warpTriangle(patch gocv.Mat, out *gocv.Mat, A *mat.Dense, dstTri [3]detector.Point, r image.Rectangle) error {
	transform := AffineMat(A)
	defer transform.Close()

	piece := gocv.NewMat()
	defer piece.Close()
	gocv.WarpAffine(patch, &piece, transform, r.Size())
	if piece.Empty() {
		return fmt.Errorf("%w: triangle warp produced no output", ErrDegenerate)
	}

	mask := gocv.NewMatWithSize(r.Dy(), r.Dx(), gocv.MatTypeCV8U)
	defer mask.Close()
	local := make([]image.Point, 3)
	for i, p := range dstTri {
		local[i] = image.Pt(int(math.Round(float64(p.X)))-r.Min.X, int(math.Round(float64(p.Y)))-r.Min.Y)
	}
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{local})
	defer pv.Close()
	gocv.FillPoly(&mask, pv, white)

	roi := out.Region(r)
	defer roi.Close()
	piece.CopyToWithMask(&roi, mask)
	return nil
}

func triangleBounds(tri [3]detector.Point) image.Rectangle {
	minX, minY := tri[0].X, tri[0].Y
	maxX, maxY := tri[0].X, tri[0].Y
	for _, p := range tri[1:] {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return image.Rect(
		int(math.Floor(float64(minX))), int(math.Floor(float64(minY))),
		int(math.Ceil(float64(maxX)))+1, int(math.Ceil(float64(maxY)))+1,
	)
}

// MaskFromPoints rasterizes the convex hull of points into a CV_8U mask of
// the given size (255 inside) and erodes it with a radius x radius kernel
func (l *Library) MaskFromPoints(size image.Point, points detector.LandmarkSet, radius int) (gocv.Mat, error) {
	hull := detector.ConvexHull(points)
	if len(hull) < 3 {
		return gocv.NewMat(), fmt.Errorf("%w: hull of %d points", ErrDegenerate, len(hull))
	}

	mask := gocv.NewMatWithSize(size.Y, size.X, gocv.MatTypeCV8U)
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{detector.LandmarkSet(hull).ImagePoints()})
	defer pv.Close()
	gocv.FillPoly(&mask, pv, white)

	if radius > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(radius, radius))
		defer kernel.Close()
		eroded := gocv.NewMat()
		gocv.Erode(mask, &eroded, kernel)
		mask.Close()
		if eroded.Empty() {
			eroded.Close()
			return gocv.NewMat(), fmt.Errorf("%w: mask erosion produced no output", ErrDegenerate)
		}
		mask = eroded
	}

	return mask, nil
}

// ApplyMask returns a copy of img with every pixel outside mask set to zero
func (l *Library) ApplyMask(img, mask gocv.Mat) (gocv.Mat, error) {
	if img.Rows() != mask.Rows() || img.Cols() != mask.Cols() {
		return gocv.NewMat(), fmt.Errorf("%w: mask %dx%d does not match image %dx%d",
			ErrDegenerate, mask.Cols(), mask.Rows(), img.Cols(), img.Rows())
	}
	out := gocv.NewMatWithSize(img.Rows(), img.Cols(), img.Type())
	img.CopyToWithMask(&out, mask)
	return out, nil
}

// CorrectColors rescales target so its low-frequency color matches
// reference. The blur radius follows the inter-eye distance of points,
// which must be a fine (68-point) set in the frame of both images.
func (l *Library) CorrectColors(reference, target gocv.Mat, points detector.LandmarkSet) (gocv.Mat, error) {
	if len(points) < minLandmarksForColor {
		return gocv.NewMat(), fmt.Errorf("%w: color correction needs %d landmarks, got %d",
			ErrDegenerate, minLandmarksForColor, len(points))
	}
	if reference.Rows() != target.Rows() || reference.Cols() != target.Cols() ||
		reference.Type() != gocv.MatTypeCV8UC3 || target.Type() != gocv.MatTypeCV8UC3 {
		return gocv.NewMat(), fmt.Errorf("%w: color correction needs two equal-size 8-bit BGR images", ErrDegenerate)
	}

	k := blurKernel(points)

	refBlur := gocv.NewMat()
	defer refBlur.Close()
	gocv.GaussianBlur(reference, &refBlur, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	tgtBlur := gocv.NewMat()
	defer tgtBlur.Close()
	gocv.GaussianBlur(target, &tgtBlur, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	if refBlur.Empty() || tgtBlur.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: blur produced no output", ErrDegenerate)
	}

	// target * blur(reference) / blur(target), in float
	tgtF := gocv.NewMat()
	defer tgtF.Close()
	target.ConvertTo(&tgtF, gocv.MatTypeCV32FC3)
	refF := gocv.NewMat()
	defer refF.Close()
	refBlur.ConvertTo(&refF, gocv.MatTypeCV32FC3)
	blurF := gocv.NewMat()
	defer blurF.Close()
	tgtBlur.ConvertTo(&blurF, gocv.MatTypeCV32FC3)

	// Avoid dividing by (near) black: +128 on every value <= 1
	dark := gocv.NewMat()
	defer dark.Close()
	gocv.Threshold(blurF, &dark, 1, 128, gocv.ThresholdBinaryInv)
	denom := gocv.NewMat()
	defer denom.Close()
	gocv.Add(blurF, dark, &denom)

	product := gocv.NewMat()
	defer product.Close()
	gocv.Multiply(tgtF, refF, &product)
	ratio := gocv.NewMat()
	defer ratio.Close()
	gocv.Divide(product, denom, &ratio)
	if ratio.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: color ratio produced no output", ErrDegenerate)
	}

	// saturating conversion clips to [0, 255]
	out := gocv.NewMat()
	ratio.ConvertTo(&out, gocv.MatTypeCV8UC3)
	return out, nil
}

// blurKernel derives an odd Gaussian kernel size from the distance between
// the eye centers (iBUG 36-41 and 42-47)
func blurKernel(points detector.LandmarkSet) int {
	left := centroid(points[42:48])
	right := centroid(points[36:42])
	d := math.Hypot(float64(left.X-right.X), float64(left.Y-right.Y))

	k := int(colorBlurFrac * d)
	if k%2 == 0 {
		k++
	}
	return k
}

func centroid(pts []detector.Point) detector.Point {
	var sx, sy float32
	for _, p := range pts {
		sx += p.X
		sy += p.Y
	}
	n := float32(len(pts))
	return detector.Point{X: sx / n, Y: sy / n}
}

// EstimateTransform returns the similarity transform, as a 2x3 CV_64F Mat,
// mapping dst points onto src points. Pass it to Warp2D to bring a source
// patch into destination geometry.
func (l *Library) EstimateTransform(dst, src detector.LandmarkSet) (gocv.Mat, error) {
	if len(dst) < 2 || len(dst) != len(src) {
		return gocv.NewMat(), fmt.Errorf("%w: need matching point sets, got %d and %d", ErrDegenerate, len(dst), len(src))
	}
	return AffineMat(SimilarityTransform(dst, src)), nil
}

// SeamlessClone Poisson-blends src into dst inside mask, with the mask's
// bounding box centered at center
func (l *Library) SeamlessClone(src, dst, mask gocv.Mat, center image.Point) (gocv.Mat, error) {
	if src.Rows() != dst.Rows() || src.Cols() != dst.Cols() {
		return gocv.NewMat(), fmt.Errorf("%w: clone source %dx%d does not match destination %dx%d",
			ErrDegenerate, src.Cols(), src.Rows(), dst.Cols(), dst.Rows())
	}
	if mask.Channels() != 1 || !anyNonZero(mask) {
		return gocv.NewMat(), fmt.Errorf("%w: empty blend mask", ErrDegenerate)
	}

	out := gocv.NewMat()
	gocv.SeamlessClone(src, dst, mask, center, &out, gocv.NormalClone)
	if out.Empty() {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("%w: seamless clone produced no output", ErrDegenerate)
	}
	return out, nil
}

func anyNonZero(m gocv.Mat) bool {
	return !m.Empty() && gocv.CountNonZero(m) > 0
}
