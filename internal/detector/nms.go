package detector

import "sort"

// nms keeps the best scoring face of every cluster of boxes overlapping by
// more than iouThreshold. The result is ordered by descending score and
// reuses the backing array of faces.
func nms(faces []Face, iouThreshold float32) []Face {
	sort.SliceStable(faces, func(i, j int) bool {
		return faces[i].Score > faces[j].Score
	})

	kept := faces[:0]
candidates:
	for _, f := range faces {
		for _, k := range kept {
			if iou(k.Box, f.Box) > iouThreshold {
				continue candidates
			}
		}
		kept = append(kept, f)
	}
	return kept
}

// iou is the intersection over union of two boxes, 0 when they are disjoint
// or degenerate
func iou(a, b Rect) float32 {
	overlap := Rect{
		X1: max(a.X1, b.X1),
		Y1: max(a.Y1, b.Y1),
		X2: min(a.X2, b.X2),
		Y2: min(a.Y2, b.Y2),
	}
	if overlap.Width() <= 0 || overlap.Height() <= 0 {
		return 0
	}

	inter := overlap.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
