package warp

import (
	"fmt"

	"github.com/fogleman/delaunay"

	"github.com/dudu/crowdface/internal/detector"
)

// Triangulate returns the Delaunay triangles of points as index triples
func Triangulate(points detector.LandmarkSet) ([][3]int, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: cannot triangulate %d points", ErrDegenerate, len(points))
	}

	pts := make([]delaunay.Point, len(points))
	for i, p := range points {
		pts[i] = delaunay.Point{X: float64(p.X), Y: float64(p.Y)}
	}

	tri, err := delaunay.Triangulate(pts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	out := make([][3]int, 0, len(tri.Triangles)/3)
	for i := 0; i+2 < len(tri.Triangles); i += 3 {
		out = append(out, [3]int{tri.Triangles[i], tri.Triangles[i+1], tri.Triangles[i+2]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no triangles", ErrDegenerate)
	}
	return out, nil
}
