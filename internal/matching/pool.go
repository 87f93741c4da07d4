package matching

import (
	"context"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/encoder"
)

// search is the read-only context of one fan-out: the crowd faces, the
// source descriptor being matched and the faces already claimed.
type search struct {
	crowd   gocv.Mat
	boxes   []detector.BoundingBox
	source  encoder.Descriptor
	claimed []bool
	iters   int
}

// task is one chunk of a search. The worker writes only into its own
// result slot.
type task struct {
	ctx    context.Context
	search *search
	chunk  []int
	dists  *[]float64
	err    *error
	done   *sync.WaitGroup
}

// pool runs chunk tasks on a fixed set of workers that live as long as the
// engine
type pool struct {
	tasks chan task
	wg    sync.WaitGroup
}

func newPool(provider Provider, workers int) *pool {
	p := &pool{tasks: make(chan task)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				*t.dists, *t.err = distances(t.ctx, provider, t.search, t.chunk)
				t.done.Done()
			}
		}()
	}
	return p
}

// run dispatches every chunk of s and returns the per-index distances,
// concatenated in chunk order
func (p *pool) run(ctx context.Context, s *search, chunks [][]int) ([]float64, error) {
	results := make([][]float64, len(chunks))
	errs := make([]error, len(chunks))

	var done sync.WaitGroup
	done.Add(len(chunks))
	for k, c := range chunks {
		p.tasks <- task{ctx: ctx, search: s, chunk: c, dists: &results[k], err: &errs[k], done: &done}
	}
	done.Wait()

	var out []float64
	for k := range chunks {
		if errs[k] != nil {
			return nil, errs[k]
		}
		out = append(out, results[k]...)
	}
	return out, nil
}

func (p *pool) close() {
	close(p.tasks)
	p.wg.Wait()
}

// distances computes the descriptor distance from s.source to each crowd
// face in indices. Claimed faces are +Inf and are not re-encoded.
func distances(ctx context.Context, provider Provider, s *search, indices []int) ([]float64, error) {
	out := make([]float64, len(indices))
	for i, m := range indices {
		if s.claimed[m] {
			out[i] = math.Inf(1)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		coarse, err := provider.LocalizeLandmarks(s.crowd, s.boxes[m], detector.Coarse)
		if err != nil {
			return nil, err
		}
		desc, err := provider.ComputeDescriptor(s.crowd, coarse, s.iters)
		if err != nil {
			return nil, err
		}
		out[i] = s.source.Distance(desc)
	}
	return out, nil
}
