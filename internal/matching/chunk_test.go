package matching

import (
	"reflect"
	"testing"
)

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		n    int
		jobs int
		want [][]int
	}{
		{"even split", 6, 3, [][]int{{0, 1}, {2, 3}, {4, 5}}},
		{"tail absorbed", 5, 2, [][]int{{0, 1}, {2, 3, 4}}},
		{"more chunks than jobs", 5, 4, [][]int{{0}, {1}, {2}, {3}, {4}}},
		{"single job", 7, 1, [][]int{{0, 1, 2, 3, 4, 5, 6}}},
		{"jobs exceed length", 3, 5, [][]int{{0}, {1}, {2}}},
		{"zero jobs", 4, 0, [][]int{{0, 1, 2, 3}}},
		{"empty", 0, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunk(seq(tt.n), tt.jobs)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("chunk(%d, %d) = %v, want %v", tt.n, tt.jobs, got, tt.want)
			}
		})
	}
}

func TestChunkCoversEveryIndexOnce(t *testing.T) {
	for n := 1; n <= 30; n++ {
		for jobs := 1; jobs <= n; jobs++ {
			chunks := chunk(seq(n), jobs)

			var flat []int
			for _, c := range chunks {
				if len(c) == 0 {
					t.Fatalf("chunk(%d, %d) produced an empty chunk", n, jobs)
				}
				flat = append(flat, c...)
			}
			if !reflect.DeepEqual(flat, seq(n)) {
				t.Fatalf("chunk(%d, %d) flattened = %v, want 0..%d", n, jobs, flat, n-1)
			}

			// Only the last chunk may differ from the nominal size
			size := n / jobs
			for _, c := range chunks[:len(chunks)-1] {
				if len(c) != size {
					t.Fatalf("chunk(%d, %d) has inner chunk of %d, want %d", n, jobs, len(c), size)
				}
			}
			if last := chunks[len(chunks)-1]; len(last) < size || len(last) >= 2*size {
				t.Fatalf("chunk(%d, %d) last chunk has %d, want [%d, %d)", n, jobs, len(last), size, 2*size)
			}
		}
	}
}
