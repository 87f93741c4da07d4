package detector

import (
	"image"
	"math"
)

// Point represents a 2D point
type Point struct {
	X, Y float32
}

// Rect is a floating-point detection box as produced by the network
type Rect struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns box height
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Center returns box center point
func (r Rect) Center() Point {
	return Point{
		X: (r.X1 + r.X2) / 2,
		Y: (r.Y1 + r.Y2) / 2,
	}
}

// Area returns box area
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// Bounds converts the detection to integer pixel coordinates
func (r Rect) Bounds() BoundingBox {
	return BoundingBox{
		Left:   int(math.Round(float64(r.X1))),
		Top:    int(math.Round(float64(r.Y1))),
		Right:  int(math.Round(float64(r.X2))),
		Bottom: int(math.Round(float64(r.Y2))),
	}
}

// BoundingBox is an integer face box in image pixel coordinates.
// A valid box has Left < Right and Top < Bottom.
type BoundingBox struct {
	Left, Top, Right, Bottom int
}

// Width returns box width
func (b BoundingBox) Width() int {
	return b.Right - b.Left
}

// Height returns box height
func (b BoundingBox) Height() int {
	return b.Bottom - b.Top
}

// Valid reports whether the box has positive extent
func (b BoundingBox) Valid() bool {
	return b.Left < b.Right && b.Top < b.Bottom
}

// Contains reports whether p lies inside the box, edges included
func (b BoundingBox) Contains(p image.Point) bool {
	return b.Left <= p.X && p.X <= b.Right && b.Top <= p.Y && p.Y <= b.Bottom
}

// Rect returns the box as an image.Rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Variant selects the landmark localization density
type Variant int

const (
	// Fine is the 68-point iBUG layout
	Fine Variant = iota
	// Coarse is the 5-point alignment layout
	Coarse
)

func (v Variant) String() string {
	if v == Coarse {
		return "coarse"
	}
	return "fine"
}

const (
	// FinePoints is the number of points in a fine landmark set
	FinePoints = 68
	// CoarsePoints is the number of points in a coarse landmark set
	CoarsePoints = 5
)

// LandmarkSet is an ordered set of facial keypoints. Index i always refers
// to the same anatomical location: iBUG 68 order for fine sets, and
// left eye, right eye, nose, left mouth, right mouth for coarse sets.
type LandmarkSet []Point

// Bounds returns the integer bounding box of the points
func (l LandmarkSet) Bounds() BoundingBox {
	if len(l) == 0 {
		return BoundingBox{}
	}
	minX, minY := l[0].X, l[0].Y
	maxX, maxY := l[0].X, l[0].Y
	for _, p := range l[1:] {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return BoundingBox{
		Left:   int(math.Floor(float64(minX))),
		Top:    int(math.Floor(float64(minY))),
		Right:  int(math.Ceil(float64(maxX))),
		Bottom: int(math.Ceil(float64(maxY))),
	}
}

// Translate returns a copy shifted by (-dx, -dy)
func (l LandmarkSet) Translate(dx, dy int) LandmarkSet {
	out := make(LandmarkSet, len(l))
	for i, p := range l {
		out[i] = Point{X: p.X - float32(dx), Y: p.Y - float32(dy)}
	}
	return out
}

// Head returns the first n points, or all of them when fewer exist
func (l LandmarkSet) Head(n int) LandmarkSet {
	if n >= len(l) {
		return l
	}
	return l[:n]
}

// ImagePoints rounds the set to integer pixel positions
func (l LandmarkSet) ImagePoints() []image.Point {
	out := make([]image.Point, len(l))
	for i, p := range l {
		out[i] = image.Pt(int(math.Round(float64(p.X))), int(math.Round(float64(p.Y))))
	}
	return out
}

// Coarse reduces a 68-point set to the 5-point alignment layout
func (l LandmarkSet) Coarse() LandmarkSet {
	if len(l) == CoarsePoints {
		return l
	}
	if len(l) < FinePoints {
		return nil
	}
	return LandmarkSet{
		mean(l[36:42]), // left eye
		mean(l[42:48]), // right eye
		l[30],          // nose tip
		l[48],          // left mouth corner
		l[54],          // right mouth corner
	}
}

// Landmarks returns the coarse set as the named five-point struct
func (l LandmarkSet) Landmarks() Landmarks {
	c := l.Coarse()
	if len(c) != CoarsePoints {
		return Landmarks{}
	}
	return Landmarks{LeftEye: c[0], RightEye: c[1], Nose: c[2], LeftMouth: c[3], RightMouth: c[4]}
}

func mean(pts []Point) Point {
	var sx, sy float32
	for _, p := range pts {
		sx += p.X
		sy += p.Y
	}
	n := float32(len(pts))
	return Point{X: sx / n, Y: sy / n}
}

// Landmarks represents 5 facial landmark points
type Landmarks struct {
	LeftEye    Point // index 0
	RightEye   Point // index 1
	Nose       Point // index 2
	LeftMouth  Point // index 3
	RightMouth Point // index 4
}

// Set returns the five points in index order
func (l Landmarks) Set() LandmarkSet {
	return LandmarkSet{l.LeftEye, l.RightEye, l.Nose, l.LeftMouth, l.RightMouth}
}

// Face represents a detected face
type Face struct {
	Box       Rect
	Landmarks Landmarks // 5-point from SCRFD
	Score     float32
}
