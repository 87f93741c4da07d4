package pipeline

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/dudu/crowdface/internal/compositing"
	"github.com/dudu/crowdface/internal/config"
	"github.com/dudu/crowdface/internal/imageio"
	"github.com/dudu/crowdface/internal/inference"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/matching"
	"github.com/dudu/crowdface/internal/provider"
	"github.com/dudu/crowdface/internal/warp"
)

// Timing holds performance timing information
type Timing struct {
	Prepare     time.Duration // resize and conversion
	Matching    time.Duration // detection, landmarks, descriptors, assignment
	Compositing time.Duration
	Restore     time.Duration // back to the original crowd size
	Total       time.Duration
}

// Selfie is a decoded selfie with optional points of interest in its own
// pixel coordinates
type Selfie struct {
	Image  image.Image
	Points []image.Point
}

// Output is the result of one mix, at the original crowd size
type Output struct {
	Result    image.Image       // crowd with the selfie faces blended in
	Answer    image.Image       // Result with the replaced faces boxed
	Boxes     []image.Rectangle // replaced regions in Result coordinates
	Exhausted int               // pairs that reused an already claimed crowd face
	Timing    Timing
}

// Options controls image sizing around the engine
type Options struct {
	MaxSelfieSize int
	MaxCrowdSize  int
}

// Mixer orchestrates one crowd/selfie mix: resize, match, composite and
// restore
type Mixer struct {
	options    Options
	provider   FaceProvider
	engine     *matching.Engine
	compositor *compositing.Compositor
	ownsORT    bool
}

// New creates a mixer backed by the ONNX models in cfg
func New(cfg *config.Config) (*Mixer, error) {
	if err := inference.Initialize(inference.Options{
		SharedLibrary:  cfg.Runtime.SharedLibrary,
		UseCoreML:      cfg.Runtime.UseCoreML,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize inference: %w", err)
	}

	backend := BackendONNX
	if cfg.Runtime.UseCoreML {
		backend = BackendCoreML
	}
	logging.Infof("loading models (%s backend)", backend)

	prov, err := provider.New(provider.Config{
		DetectorModel: cfg.Models.Detector,
		LandmarkModel: cfg.Models.Landmarks,
		EncoderModel:  cfg.Models.Encoder,
		InputSize:     cfg.Detection.InputSize,
		ConfThreshold: cfg.Detection.ConfThreshold,
		NMSThreshold:  cfg.Detection.NMSThreshold,
		Seed:          cfg.Matching.Seed,
	})
	if err != nil {
		inference.Shutdown()
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	m, err := NewWithProvider(prov, warp.New(), cfg)
	if err != nil {
		prov.Close()
		inference.Shutdown()
		return nil, err
	}
	m.ownsORT = true
	return m, nil
}

// NewWithProvider creates a mixer on an existing provider and primitive
// library. The mixer takes ownership of the provider.
func NewWithProvider(prov FaceProvider, lib Library, cfg *config.Config) (*Mixer, error) {
	mode, err := compositing.ParseWarpMode(cfg.Compositing.WarpMode)
	if err != nil {
		return nil, err
	}

	engine, err := matching.NewEngine(prov, MatchingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create matching engine: %w", err)
	}

	return &Mixer{
		options: Options{
			MaxSelfieSize: cfg.Images.MaxSelfieSize,
			MaxCrowdSize:  cfg.Images.MaxCrowdSize,
		},
		provider:   prov,
		engine:     engine,
		compositor: compositing.New(lib, mode, cfg.Compositing.ColorCorrect),
	}, nil
}

// MatchingConfig maps the file configuration onto the engine's
func MatchingConfig(cfg *config.Config) matching.Config {
	return matching.Config{
		MaxDstBoxes:        cfg.Matching.MaxDstBoxes,
		MaxSrcBoxes:        cfg.Matching.MaxSrcBoxes,
		EmbeddingsMaxIters: cfg.Matching.EmbeddingsMaxIters,
		NJobs:              cfg.Matching.NJobs,
		Margin:             cfg.Matching.Margin,
		Seed:               cfg.Matching.Seed,
		StrictExhaustion:   cfg.Matching.StrictExhaustion,
	}
}

// Mix blends the faces of selfies into crowd. The crowd is worked on at
// MaxCrowdSize and the outputs are scaled back to its original size.
func (m *Mixer) Mix(ctx context.Context, crowd image.Image, selfies []Selfie) (*Output, error) {
	totalStart := time.Now()
	var timing Timing

	prepStart := time.Now()
	origSize := crowd.Bounds().Size()
	canvas, err := imageio.ToMat(imageio.FitLongest(crowd, m.options.MaxCrowdSize))
	if err != nil {
		return nil, fmt.Errorf("crowd: %w", err)
	}
	defer canvas.Close()

	inputs := make([]matching.Selfie, 0, len(selfies))
	defer func() {
		for _, s := range inputs {
			s.Image.Close()
		}
	}()
	for i, s := range selfies {
		resized := imageio.FitLongest(s.Image, m.options.MaxSelfieSize)
		mat, err := imageio.ToMat(resized)
		if err != nil {
			return nil, fmt.Errorf("selfie %d: %w", i, err)
		}
		inputs = append(inputs, matching.Selfie{
			Image:  mat,
			Points: scalePoints(s.Points, s.Image.Bounds(), resized.Bounds().Size()),
		})
	}
	timing.Prepare = time.Since(prepStart)
	logging.Debugf("crowd %dx%d, %d selfie(s)", canvas.Cols(), canvas.Rows(), len(inputs))

	matchStart := time.Now()
	pairs, err := m.engine.Match(ctx, canvas, inputs)
	timing.Matching = time.Since(matchStart)
	if err != nil {
		return nil, fmt.Errorf("matching failed: %w", err)
	}
	defer matching.ClosePairs(pairs)

	exhausted := 0
	for _, p := range pairs {
		if p.Exhausted {
			exhausted++
		}
	}

	compStart := time.Now()
	res, err := m.compositor.Composite(ctx, pairs, &canvas)
	timing.Compositing = time.Since(compStart)
	if err != nil {
		return nil, fmt.Errorf("compositing failed: %w", err)
	}
	defer res.Close()

	restoreStart := time.Now()
	out, err := restore(res, origSize)
	if err != nil {
		return nil, err
	}
	timing.Restore = time.Since(restoreStart)

	timing.Total = time.Since(totalStart)
	out.Exhausted = exhausted
	out.Timing = timing

	logging.Infof("mixed %d face(s) in %v (match %v, composite %v)",
		len(pairs), timing.Total.Round(time.Millisecond),
		timing.Matching.Round(time.Millisecond), timing.Compositing.Round(time.Millisecond))
	return out, nil
}

func restore(res *compositing.Result, size image.Point) (*Output, error) {
	result, err := imageio.Restore(res.Final, size)
	if err != nil {
		return nil, fmt.Errorf("failed to restore result: %w", err)
	}
	answer, err := imageio.Restore(res.Annotated, size)
	if err != nil {
		return nil, fmt.Errorf("failed to restore answer: %w", err)
	}

	sx := float64(size.X) / float64(res.Final.Cols())
	sy := float64(size.Y) / float64(res.Final.Rows())
	boxes := make([]image.Rectangle, len(res.Boxes))
	for i, b := range res.Boxes {
		boxes[i] = image.Rect(
			int(float64(b.Min.X)*sx), int(float64(b.Min.Y)*sy),
			int(float64(b.Max.X)*sx), int(float64(b.Max.Y)*sy),
		)
	}

	return &Output{Result: result, Answer: answer, Boxes: boxes}, nil
}

// scalePoints maps points from an image with bounds orig onto the same
// image resized to size
func scalePoints(points []image.Point, orig image.Rectangle, size image.Point) []image.Point {
	if len(points) == 0 || orig.Dx() == 0 || orig.Dy() == 0 {
		return points
	}
	sx := float64(size.X) / float64(orig.Dx())
	sy := float64(size.Y) / float64(orig.Dy())
	out := make([]image.Point, len(points))
	for i, p := range points {
		out[i] = image.Pt(int(float64(p.X-orig.Min.X)*sx), int(float64(p.Y-orig.Min.Y)*sy))
	}
	return out
}

// ParsePoint reads a point of interest written as "x,y"
func ParsePoint(s string) (image.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return image.Point{}, fmt.Errorf("point %q must be x,y", s)
	}
	x, errX := strconv.Atoi(strings.TrimSpace(xs))
	y, errY := strconv.Atoi(strings.TrimSpace(ys))
	if errX != nil || errY != nil {
		return image.Point{}, fmt.Errorf("point %q must be two integers", s)
	}
	return image.Pt(x, y), nil
}

// Close releases pipeline resources
func (m *Mixer) Close() error {
	var errs []error

	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.provider != nil {
		if err := m.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownsORT {
		if err := inference.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
