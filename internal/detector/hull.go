package detector

import "math"

// ConvexHull computes the convex hull of points by gift wrapping. The hull
// is returned counterclockwise in image coordinates, starting from the
// leftmost point. Fewer than 3 points are returned unchanged.
func ConvexHull(points []Point) []Point {
	if len(points) < 3 {
		return points
	}

	minIdx := 0
	for i := 1; i < len(points); i++ {
		if points[i].X < points[minIdx].X ||
			(points[i].X == points[minIdx].X && points[i].Y < points[minIdx].Y) {
			minIdx = i
		}
	}

	hull := []Point{}
	p := minIdx
	for {
		hull = append(hull, points[p])
		q := (p + 1) % len(points)

		for i := 0; i < len(points); i++ {
			o := orientation(points[p], points[i], points[q])
			// Prefer the farthest point on collinear runs so the walk terminates
			if o == 2 || (o == 0 && dist2(points[p], points[i]) > dist2(points[p], points[q])) {
				q = i
			}
		}

		p = q
		if p == minIdx || len(hull) > len(points) {
			break
		}
	}

	return hull
}

// orientation returns:
// 0 -> Collinear, 1 -> Clockwise, 2 -> Counterclockwise
func orientation(p, q, r Point) int {
	val := (q.Y-p.Y)*(r.X-q.X) - (q.X-p.X)*(r.Y-q.Y)

	if math.Abs(float64(val)) < 1e-9 {
		return 0
	}
	if val > 0 {
		return 1
	}
	return 2
}

func dist2(a, b Point) float32 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}
