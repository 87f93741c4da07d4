package matching

// chunk splits indices into contiguous runs of len(indices)/n elements.
// When what is left is shorter than two runs it all goes into the last
// chunk, so there is never a short trailing chunk. The chunks cover every
// index exactly once, in order.
func chunk(indices []int, n int) [][]int {
	length := len(indices)
	if length == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}

	size := length / n
	if size == 0 {
		size = 1
	}

	var chunks [][]int
	for i := 0; i < length; i += size {
		if length-i < 2*size {
			chunks = append(chunks, indices[i:])
			break
		}
		chunks = append(chunks, indices[i:i+size])
	}
	return chunks
}
