package encoder

import (
	"gonum.org/v1/gonum/floats"
)

// DescriptorSize is the length of an ArcFace descriptor
const DescriptorSize = 512

// Descriptor is an L2-normalized face identity embedding. Descriptors of the
// same person lie closer in Euclidean distance than those of different people.
type Descriptor []float64

// Distance returns the Euclidean distance between two descriptors
func (d Descriptor) Distance(other Descriptor) float64 {
	return floats.Distance(d, other, 2)
}

// normalize scales v to unit L2 norm in place
func normalize(v []float64) {
	norm := floats.Norm(v, 2)
	if norm < 1e-10 {
		return
	}
	floats.Scale(1/norm, v)
}

// average returns the normalized mean of the given descriptors
func average(ds []Descriptor) Descriptor {
	if len(ds) == 0 {
		return nil
	}
	sum := make([]float64, len(ds[0]))
	for _, d := range ds {
		floats.Add(sum, d)
	}
	floats.Scale(1/float64(len(ds)), sum)
	normalize(sum)
	return sum
}
