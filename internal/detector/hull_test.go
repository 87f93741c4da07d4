package detector

import "testing"

func TestConvexHull(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		want   int
	}{
		{"square with interior point", []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {5, 5}}, 4},
		{"collinear edge points", []Point{{0, 0}, {5, 0}, {10, 0}, {10, 10}, {0, 10}, {5, 5}, {0, 5}}, 4},
		{"interior point first", []Point{{5, 5}, {0, 0}, {10, 0}, {10, 10}, {0, 10}}, 4},
		{"triangle", []Point{{0, 0}, {4, 0}, {2, 3}}, 3},
		{"two points", []Point{{0, 0}, {1, 1}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hull := ConvexHull(tt.points)
			if len(hull) != tt.want {
				t.Fatalf("len(ConvexHull()) = %d, want %d (%v)", len(hull), tt.want, hull)
			}
			for _, p := range hull {
				if p == (Point{5, 5}) {
					t.Errorf("interior point %v in hull", p)
				}
			}
		})
	}
}
