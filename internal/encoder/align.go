package encoder

import (
	"fmt"
	"image"
	"math"
	"math/rand"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/warp"
)

// ArcFaceSize is the side of the aligned face crop
const ArcFaceSize = 112

// ArcFace reference landmarks for 112x112 aligned face
var arcfaceDst = detector.LandmarkSet{
	{X: 38.2946, Y: 51.6963}, // left eye
	{X: 73.5318, Y: 51.5014}, // right eye
	{X: 56.0252, Y: 71.7366}, // nose
	{X: 41.5493, Y: 92.3655}, // left mouth
	{X: 70.7299, Y: 92.2041}, // right mouth
}

// Jitter is a small random perturbation applied in aligned-crop space
type Jitter struct {
	Angle  float64 // radians
	Scale  float64
	DX, DY float64 // pixels
	Mirror bool
}

// RandomJitter draws a perturbation: up to 3 degrees of rotation, 5% scale,
// 2px translation, and a horizontal mirror half of the time
func RandomJitter(rng *rand.Rand) Jitter {
	return Jitter{
		Angle:  (rng.Float64()*2 - 1) * 3 * math.Pi / 180,
		Scale:  1 + (rng.Float64()*2-1)*0.05,
		DX:     (rng.Float64()*2 - 1) * 2,
		DY:     (rng.Float64()*2 - 1) * 2,
		Mirror: rng.Intn(2) == 1,
	}
}

// AlignForArcFace warps the face described by 5 coarse landmarks into the
// 112x112 ArcFace template. A nil jitter gives the deterministic alignment.
func AlignForArcFace(img gocv.Mat, coarse detector.LandmarkSet, jitter *Jitter) (gocv.Mat, error) {
	if len(coarse) != detector.CoarsePoints {
		return gocv.NewMat(), fmt.Errorf("alignment needs %d landmarks, got %d", detector.CoarsePoints, len(coarse))
	}

	M := warp.SimilarityTransform(coarse, arcfaceDst)
	if jitter != nil {
		jittered := mat.NewDense(3, 3, nil)
		jittered.Mul(jitter.matrix(ArcFaceSize), M)
		M = jittered
	}

	transform := warp.AffineMat(M)
	defer transform.Close()

	aligned := gocv.NewMat()
	gocv.WarpAffine(img, &aligned, transform, image.Pt(ArcFaceSize, ArcFaceSize))
	if aligned.Empty() {
		aligned.Close()
		return gocv.NewMat(), fmt.Errorf("alignment warp produced an empty image")
	}
	return aligned, nil
}

// matrix returns the jitter as a 3x3 homogeneous transform about the
// center of a size x size crop
func (j Jitter) matrix(size int) *mat.Dense {
	c := float64(size-1) / 2
	cos := j.Scale * math.Cos(j.Angle)
	sin := j.Scale * math.Sin(j.Angle)

	// translate to center, rotate+scale, translate back, shift
	m := mat.NewDense(3, 3, []float64{
		cos, -sin, c - cos*c + sin*c + j.DX,
		sin, cos, c - sin*c - cos*c + j.DY,
		0, 0, 1,
	})
	if j.Mirror {
		flip := mat.NewDense(3, 3, []float64{
			-1, 0, float64(size - 1),
			0, 1, 0,
			0, 0, 1,
		})
		out := mat.NewDense(3, 3, nil)
		out.Mul(flip, m)
		return out
	}
	return m
}
