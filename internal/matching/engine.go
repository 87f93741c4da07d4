package matching

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/encoder"
	"github.com/dudu/crowdface/internal/logging"
)

var (
	// ErrNoFaces is returned when the crowd or the selfies contain no usable face
	ErrNoFaces = errors.New("no faces found")
	// ErrAssignmentExhausted is returned in strict mode when a selfie face is
	// left over after every crowd face has been claimed
	ErrAssignmentExhausted = errors.New("every crowd face is already assigned")

	errClosed = errors.New("matching engine is closed")
)

// Provider supplies face detection, landmarks and descriptors
type Provider interface {
	DetectFaces(img gocv.Mat) ([]detector.BoundingBox, error)
	LocalizeLandmarks(img gocv.Mat, box detector.BoundingBox, variant detector.Variant) (detector.LandmarkSet, error)
	ComputeDescriptor(img gocv.Mat, coarse detector.LandmarkSet, jitterIters int) (encoder.Descriptor, error)
}

// Config controls sampling, parallelism and cropping
type Config struct {
	MaxDstBoxes        int   // crowd faces considered
	MaxSrcBoxes        int   // selfie faces considered, pooled across selfies
	EmbeddingsMaxIters int   // jittered descriptor samples, 0 = deterministic
	NJobs              int   // workers for the crowd distance fan-out
	Margin             int   // crop margin around the landmarks
	Seed               int64 // 0 seeds from the clock
	StrictExhaustion   bool
}

// DefaultConfig returns the stock matching configuration
func DefaultConfig() Config {
	return Config{
		MaxDstBoxes:        25,
		MaxSrcBoxes:        25,
		EmbeddingsMaxIters: 2,
		NJobs:              2,
		Margin:             10,
	}
}

// Selfie is a source image, optionally restricted to the faces that
// contain one of Points
type Selfie struct {
	Image  gocv.Mat
	Points []image.Point
}

// Pair is one assignment of a selfie face onto a crowd face
type Pair struct {
	Destination *Candidate // crowd face
	Source      *Candidate // selfie face
	CrowdIndex  int        // index into the crowd detections
	SelfieIndex int        // index into the selfies passed to Match
	Distance    float64
	Exhausted   bool // Destination was already claimed by an earlier pair
}

// Close releases both candidates
func (p *Pair) Close() error {
	return errors.Join(p.Destination.Close(), p.Source.Close())
}

// ClosePairs releases every candidate in pairs
func ClosePairs(pairs []Pair) {
	for i := range pairs {
		pairs[i].Close()
	}
}

// sourceFace is a selfie face in encounter order
type sourceFace struct {
	selfie int
	box    detector.BoundingBox
}

// Engine assigns selfie faces to crowd faces by descriptor distance. It
// owns a worker pool for the crowd fan-out; Close stops it.
type Engine struct {
	provider Provider
	config   Config
	pool     *pool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.RWMutex
	closed bool
}

// NewEngine creates an engine and starts its workers
func NewEngine(provider Provider, config Config) (*Engine, error) {
	if provider == nil {
		return nil, errors.New("matching engine needs a provider")
	}
	if config.MaxDstBoxes < 1 || config.MaxSrcBoxes < 1 {
		return nil, fmt.Errorf("max boxes must be positive, got dst=%d src=%d", config.MaxDstBoxes, config.MaxSrcBoxes)
	}
	if config.EmbeddingsMaxIters < 0 || config.Margin < 0 {
		return nil, fmt.Errorf("invalid matching config: iters=%d margin=%d", config.EmbeddingsMaxIters, config.Margin)
	}
	if config.NJobs < 1 {
		config.NJobs = 1
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Engine{
		provider: provider,
		config:   config,
		pool:     newPool(provider, config.NJobs),
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Close stops the worker pool. Match fails after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.pool.close()
	return nil
}

// Match greedily assigns every selfie face to its nearest unclaimed crowd
// face. Pairs come back in processing order (selfie, then face) and own
// their candidates; release them with ClosePairs.
func (e *Engine) Match(ctx context.Context, crowd gocv.Mat, selfies []Selfie) ([]Pair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errClosed
	}

	crowdBoxes, err := e.provider.DetectFaces(crowd)
	if err != nil {
		return nil, fmt.Errorf("failed to detect crowd faces: %w", err)
	}
	if len(crowdBoxes) == 0 {
		return nil, fmt.Errorf("crowd: %w", ErrNoFaces)
	}

	var sources []sourceFace
	for i, s := range selfies {
		boxes, err := e.provider.DetectFaces(s.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to detect faces in selfie %d: %w", i, err)
		}
		for _, b := range filterByPoints(boxes, s.Points) {
			sources = append(sources, sourceFace{selfie: i, box: b})
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("selfies: %w", ErrNoFaces)
	}

	// Crowd sampling keeps the original detection indices
	crowdIdx := e.sample(len(crowdBoxes), e.config.MaxDstBoxes)
	if len(crowdIdx) < len(crowdBoxes) {
		logging.Infof("sampled %d of %d crowd faces", len(crowdIdx), len(crowdBoxes))
	}
	considered := make([]detector.BoundingBox, len(crowdIdx))
	for i, m := range crowdIdx {
		considered[i] = crowdBoxes[m]
	}

	if srcIdx := e.sample(len(sources), e.config.MaxSrcBoxes); len(srcIdx) < len(sources) {
		logging.Infof("sampled %d of %d selfie faces", len(srcIdx), len(sources))
		picked := make([]sourceFace, len(srcIdx))
		for i, k := range srcIdx {
			picked[i] = sources[k]
		}
		sources = picked
	}

	jobs := e.config.NJobs
	if len(considered) < 2 {
		jobs = 1
	}
	jobs = min(jobs, len(considered))

	all := make([]int, len(considered))
	for i := range all {
		all[i] = i
	}
	chunks := chunk(all, jobs)

	claimed := make([]bool, len(considered))
	var pairs []Pair
	fail := func(err error) ([]Pair, error) {
		ClosePairs(pairs)
		return nil, err
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		img := selfies[src.selfie].Image
		coarse, err := e.provider.LocalizeLandmarks(img, src.box, detector.Coarse)
		if err != nil {
			return fail(fmt.Errorf("failed to localize selfie landmarks: %w", err))
		}
		desc, err := e.provider.ComputeDescriptor(img, coarse, e.config.EmbeddingsMaxIters)
		if err != nil {
			return fail(fmt.Errorf("failed to compute selfie descriptor: %w", err))
		}

		s := &search{
			crowd:   crowd,
			boxes:   considered,
			source:  desc,
			claimed: append([]bool(nil), claimed...),
			iters:   e.config.EmbeddingsMaxIters,
		}

		var dists []float64
		if jobs == 1 {
			dists, err = distances(ctx, e.provider, s, all)
		} else {
			dists, err = e.pool.run(ctx, s, chunks)
		}
		if err != nil {
			return fail(fmt.Errorf("failed to score crowd faces: %w", err))
		}

		best := floats.MinIdx(dists)
		exhausted := claimed[best]
		if exhausted {
			if e.config.StrictExhaustion {
				return fail(ErrAssignmentExhausted)
			}
			logging.Warnf("all %d crowd faces assigned, reusing crowd face %d", len(considered), crowdIdx[best])
		}
		claimed[best] = true

		pair, err := e.pair(crowd, considered[best], img, src.box)
		if err != nil {
			return fail(err)
		}
		pair.CrowdIndex = crowdIdx[best]
		pair.SelfieIndex = src.selfie
		pair.Distance = dists[best]
		pair.Exhausted = exhausted
		pairs = append(pairs, pair)

		logging.Debugf("selfie %d face %v -> crowd face %d (distance %.4f)",
			src.selfie, src.box, pair.CrowdIndex, pair.Distance)
	}

	if len(pairs) == 0 {
		return nil, ErrNoFaces
	}
	return pairs, nil
}

func (e *Engine) pair(crowd gocv.Mat, dstBox detector.BoundingBox, selfie gocv.Mat, srcBox detector.BoundingBox) (Pair, error) {
	dst, err := SelectFace(crowd, e.provider, dstBox, e.config.Margin)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to select crowd face: %w", err)
	}
	src, err := SelectFace(selfie, e.provider, srcBox, e.config.Margin)
	if err != nil {
		dst.Close()
		return Pair{}, fmt.Errorf("failed to select selfie face: %w", err)
	}
	return Pair{Destination: dst, Source: src}, nil
}

// sample returns k sorted indices drawn without replacement from [0, n),
// or all of them when n <= k
func (e *Engine) sample(n, k int) []int {
	if n <= k {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	e.rngMu.Lock()
	perm := e.rng.Perm(n)
	e.rngMu.Unlock()

	out := perm[:k]
	sort.Ints(out)
	return out
}

// filterByPoints keeps the boxes containing at least one point, in
// detection order. No points keeps everything.
func filterByPoints(boxes []detector.BoundingBox, points []image.Point) []detector.BoundingBox {
	if len(points) == 0 {
		return boxes
	}
	var out []detector.BoundingBox
	for _, b := range boxes {
		for _, p := range points {
			if b.Contains(p) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}
