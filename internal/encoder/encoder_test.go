package encoder

import (
	"math"
	"math/rand"
	"testing"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
)

const epsilon = 1e-6

func TestDescriptorDistance(t *testing.T) {
	a := Descriptor{0, 0, 0}
	b := Descriptor{3, 4, 0}
	if got := a.Distance(b); math.Abs(got-5) > epsilon {
		t.Errorf("Distance() = %v, want 5", got)
	}
	if got := b.Distance(b); got != 0 {
		t.Errorf("Distance() to self = %v, want 0", got)
	}
}

func TestAverageNormalizes(t *testing.T) {
	got := average([]Descriptor{{1, 0}, {0, 1}})
	want := 1 / math.Sqrt2
	if math.Abs(got[0]-want) > epsilon || math.Abs(got[1]-want) > epsilon {
		t.Errorf("average() = %v, want [%v %v]", got, want, want)
	}
	if average(nil) != nil {
		t.Error("average(nil) should be nil")
	}
}

func TestJitterMatrix(t *testing.T) {
	id := Jitter{Scale: 1}.matrix(ArcFaceSize)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			if math.Abs(id.At(r, c)-want) > epsilon {
				t.Fatalf("neutral jitter[%d][%d] = %v, want %v", r, c, id.At(r, c), want)
			}
		}
	}

	mirror := Jitter{Scale: 1, Mirror: true}.matrix(ArcFaceSize)
	// x = 0 maps to the far column
	if got := mirror.At(0, 2); got != ArcFaceSize-1 {
		t.Errorf("mirror x offset = %v, want %d", got, ArcFaceSize-1)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		j := RandomJitter(rng)
		if math.Abs(j.Angle) > 3*math.Pi/180+epsilon || math.Abs(j.Scale-1) > 0.05+epsilon ||
			math.Abs(j.DX) > 2 || math.Abs(j.DY) > 2 {
			t.Fatalf("RandomJitter() out of range: %+v", j)
		}
	}
}

func TestAlignForArcFace(t *testing.T) {
	img := gocv.NewMatWithSize(200, 200, gocv.MatTypeCV8UC3)
	defer img.Close()

	if _, err := AlignForArcFace(img, detector.LandmarkSet{{X: 1, Y: 1}}, nil); err == nil {
		t.Error("AlignForArcFace() with 1 landmark error = nil, want error")
	}

	// template shifted by (40, 30) aligns back to the template
	coarse := arcfaceDst.Translate(-40, -30)
	aligned, err := AlignForArcFace(img, coarse, nil)
	if err != nil {
		t.Fatalf("AlignForArcFace() error = %v", err)
	}
	defer aligned.Close()
	if aligned.Rows() != ArcFaceSize || aligned.Cols() != ArcFaceSize {
		t.Errorf("aligned size = %dx%d, want %dx%d", aligned.Cols(), aligned.Rows(), ArcFaceSize, ArcFaceSize)
	}

	j := Jitter{Scale: 1.02, Angle: 0.01, Mirror: true}
	jittered, err := AlignForArcFace(img, coarse, &j)
	if err != nil {
		t.Fatalf("AlignForArcFace() with jitter error = %v", err)
	}
	jittered.Close()
}
