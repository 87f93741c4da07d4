package compositing

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/matching"
)

const (
	// MaxWarpPoints: the first 58 fine landmarks drive the warps
	MaxWarpPoints = 58
	// maskRadius erodes hull masks so the blend stays off the face outline
	maskRadius = 2
)

// WarpMode selects how a source face is brought into destination geometry
type WarpMode int

const (
	// ThreeD maps each Delaunay triangle of the landmarks separately
	ThreeD WarpMode = iota
	// TwoD applies one similarity transform to the whole face
	TwoD
)

func (m WarpMode) String() string {
	switch m {
	case ThreeD:
		return "3d"
	case TwoD:
		return "2d"
	default:
		return fmt.Sprintf("WarpMode(%d)", int(m))
	}
}

// ParseWarpMode accepts "3d" or "2d"
func ParseWarpMode(s string) (WarpMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "3d", "":
		return ThreeD, nil
	case "2d":
		return TwoD, nil
	default:
		return 0, fmt.Errorf("unknown warp mode %q (want 3d or 2d)", s)
	}
}

// strategy is one warp mode. preWarp prepares the source patch, warp maps
// it into destination size and postWarp corrects it once the blend mask is
// known. Every step returns a new Mat owned by the caller.
type strategy interface {
	preWarp(lib Library, pair *matching.Pair, colorCorrect bool) (gocv.Mat, error)
	warp(lib Library, pair *matching.Pair, src gocv.Mat) (gocv.Mat, error)
	postWarp(lib Library, pair *matching.Pair, warped, mask gocv.Mat, colorCorrect bool) (gocv.Mat, error)
}

func (m WarpMode) strategy() strategy {
	if m == TwoD {
		return warp2D{}
	}
	return warp3D{}
}

type warp3D struct{}

func (warp3D) preWarp(_ Library, pair *matching.Pair, _ bool) (gocv.Mat, error) {
	return pair.Source.Patch.Clone(), nil
}

func (warp3D) warp(lib Library, pair *matching.Pair, src gocv.Mat) (gocv.Mat, error) {
	return lib.Warp3D(src,
		pair.Source.LocalLandmarks.Head(MaxWarpPoints),
		pair.Destination.LocalLandmarks.Head(MaxWarpPoints),
		pair.Destination.Size())
}

func (warp3D) postWarp(lib Library, pair *matching.Pair, warped, mask gocv.Mat, colorCorrect bool) (gocv.Mat, error) {
	if !colorCorrect {
		return warped.Clone(), nil
	}

	maskedSrc, err := lib.ApplyMask(warped, mask)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer maskedSrc.Close()

	maskedDst, err := lib.ApplyMask(pair.Destination.Patch, mask)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer maskedDst.Close()

	return lib.CorrectColors(maskedDst, maskedSrc, pair.Destination.LocalLandmarks)
}

type warp2D struct{}

// preWarp masks the source to its face hull and, when correcting, matches
// its colors to the destination face warped back onto it
func (warp2D) preWarp(lib Library, pair *matching.Pair, colorCorrect bool) (gocv.Mat, error) {
	src, dst := pair.Source, pair.Destination

	mask, err := lib.MaskFromPoints(src.Size(), src.LocalLandmarks, maskRadius)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer mask.Close()

	masked, err := lib.ApplyMask(src.Patch, mask)
	if err != nil {
		return gocv.NewMat(), err
	}
	if !colorCorrect {
		return masked, nil
	}
	defer masked.Close()

	warpedDst, err := lib.Warp3D(dst.Patch,
		dst.LocalLandmarks.Head(MaxWarpPoints),
		src.LocalLandmarks.Head(MaxWarpPoints),
		src.Size())
	if err != nil {
		return gocv.NewMat(), err
	}
	defer warpedDst.Close()

	return lib.CorrectColors(warpedDst, masked, src.LocalLandmarks)
}

func (warp2D) warp(lib Library, pair *matching.Pair, src gocv.Mat) (gocv.Mat, error) {
	M, err := lib.EstimateTransform(pair.Destination.LocalLandmarks, pair.Source.LocalLandmarks)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer M.Close()
	return lib.Warp2D(src, M, pair.Destination.Size())
}

func (warp2D) postWarp(_ Library, _ *matching.Pair, warped, _ gocv.Mat, _ bool) (gocv.Mat, error) {
	return warped.Clone(), nil
}
