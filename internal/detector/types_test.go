package detector

import (
	"image"
	"math"
	"testing"
)

func TestBoundingBoxContains(t *testing.T) {
	box := BoundingBox{Left: 10, Top: 20, Right: 30, Bottom: 40}

	tests := []struct {
		name string
		p    image.Point
		want bool
	}{
		{"inside", image.Pt(15, 25), true},
		{"top-left corner", image.Pt(10, 20), true},
		{"bottom-right corner", image.Pt(30, 40), true},
		{"left of box", image.Pt(9, 25), false},
		{"below box", image.Pt(15, 41), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestLandmarkSetBounds(t *testing.T) {
	set := LandmarkSet{{X: 12.4, Y: 30}, {X: 40.2, Y: 18.7}, {X: 25, Y: 55.1}}
	got := set.Bounds()
	want := BoundingBox{Left: 12, Top: 18, Right: 41, Bottom: 56}
	if got != want {
		t.Errorf("Bounds() = %+v, want %+v", got, want)
	}

	if (LandmarkSet{}).Bounds() != (BoundingBox{}) {
		t.Error("Bounds() of empty set should be zero")
	}
}

func TestLandmarkSetTranslateAndHead(t *testing.T) {
	set := LandmarkSet{{X: 10, Y: 10}, {X: 20, Y: 30}, {X: 5, Y: 7}}

	local := set.Translate(5, 7)
	if local[0] != (Point{X: 5, Y: 3}) || local[2] != (Point{X: 0, Y: 0}) {
		t.Errorf("Translate() = %v", local)
	}
	if set[0] != (Point{X: 10, Y: 10}) {
		t.Error("Translate() modified the receiver")
	}

	if got := len(set.Head(2)); got != 2 {
		t.Errorf("len(Head(2)) = %d, want 2", got)
	}
	if got := len(set.Head(58)); got != 3 {
		t.Errorf("len(Head(58)) = %d, want 3", got)
	}
}

func TestLandmarkSetCoarse(t *testing.T) {
	fine := make(LandmarkSet, FinePoints)
	for i := range fine {
		fine[i] = Point{X: float32(i), Y: float32(2 * i)}
	}

	coarse := fine.Coarse()
	if len(coarse) != CoarsePoints {
		t.Fatalf("len(Coarse()) = %d, want %d", len(coarse), CoarsePoints)
	}

	// mean of 36..41 and 42..47
	if math.Abs(float64(coarse[0].X-38.5)) > 1e-4 {
		t.Errorf("left eye X = %v, want 38.5", coarse[0].X)
	}
	if math.Abs(float64(coarse[1].X-44.5)) > 1e-4 {
		t.Errorf("right eye X = %v, want 44.5", coarse[1].X)
	}
	if coarse[2] != fine[30] || coarse[3] != fine[48] || coarse[4] != fine[54] {
		t.Errorf("nose/mouth points = %v, want %v %v %v", coarse[2:], fine[30], fine[48], fine[54])
	}

	if got := coarse.Coarse(); len(got) != CoarsePoints {
		t.Errorf("Coarse() of a coarse set should be identity, got %d points", len(got))
	}
	if got := fine[:10].Coarse(); got != nil {
		t.Errorf("Coarse() of a short set = %v, want nil", got)
	}

	lm := fine.Landmarks()
	if lm.Set()[2] != fine[30] {
		t.Errorf("Landmarks().Nose = %v, want %v", lm.Nose, fine[30])
	}
}

func TestRectBounds(t *testing.T) {
	r := Rect{X1: 10.4, Y1: 9.6, X2: 50.5, Y2: 70.49}
	want := BoundingBox{Left: 10, Top: 10, Right: 51, Bottom: 70}
	if got := r.Bounds(); got != want {
		t.Errorf("Bounds() = %+v, want %+v", got, want)
	}
	if !want.Valid() {
		t.Error("Valid() = false, want true")
	}
	if (BoundingBox{Left: 5, Right: 5, Top: 0, Bottom: 10}).Valid() {
		t.Error("zero-width box reported valid")
	}
}
