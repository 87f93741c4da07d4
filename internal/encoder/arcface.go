package encoder

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/inference"
)

// ArcFace extracts face descriptors using an ArcFace ONNX model
type ArcFace struct {
	session *inference.Session

	mu  sync.Mutex
	rng *rand.Rand
}

// NewArcFace creates a new ArcFace encoder. seed drives the jitter
// perturbations; 0 seeds from the clock.
func NewArcFace(modelPath string, seed int64) (*ArcFace, error) {
	info, err := inference.Inspect(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect ArcFace model: %w", err)
	}
	if len(info.Inputs) != 1 || len(info.Outputs) != 1 {
		return nil, fmt.Errorf("ArcFace model must have 1 input and 1 output, got %d and %d",
			len(info.Inputs), len(info.Outputs))
	}

	session, err := inference.NewSession(modelPath,
		[]string{info.Inputs[0].Name}, []string{info.Outputs[0].Name})
	if err != nil {
		return nil, fmt.Errorf("failed to create ArcFace session: %w", err)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &ArcFace{
		session: session,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// Compute returns the descriptor of the face located by coarse landmarks.
// With jitterIters > 0 the descriptor is the normalized mean over that many
// randomly perturbed alignments; jitterIters == 0 is deterministic.
func (e *ArcFace) Compute(img gocv.Mat, coarse detector.LandmarkSet, jitterIters int) (Descriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if jitterIters <= 0 {
		return e.computeOnce(img, coarse, nil)
	}

	samples := make([]Descriptor, 0, jitterIters)
	for i := 0; i < jitterIters; i++ {
		j := RandomJitter(e.rng)
		d, err := e.computeOnce(img, coarse, &j)
		if err != nil {
			return nil, err
		}
		samples = append(samples, d)
	}
	return average(samples), nil
}

func (e *ArcFace) computeOnce(img gocv.Mat, coarse detector.LandmarkSet, jitter *Jitter) (Descriptor, error) {
	aligned, err := AlignForArcFace(img, coarse, jitter)
	if err != nil {
		return nil, fmt.Errorf("alignment failed: %w", err)
	}
	defer aligned.Close()

	return e.Extract(aligned)
}

// Extract computes the 512-dim descriptor from an aligned 112x112 face
func (e *ArcFace) Extract(alignedFace gocv.Mat) (Descriptor, error) {
	if alignedFace.Rows() != ArcFaceSize || alignedFace.Cols() != ArcFaceSize {
		return nil, fmt.Errorf("expected %dx%d input, got %dx%d",
			ArcFaceSize, ArcFaceSize, alignedFace.Cols(), alignedFace.Rows())
	}

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, ArcFaceSize, ArcFaceSize),
		e.preprocess(alignedFace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, DescriptorSize})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := outputTensor.GetData()
	d := make(Descriptor, DescriptorSize)
	for i := range d {
		d[i] = float64(out[i])
	}
	normalize(d)
	return d, nil
}

// preprocess converts the BGR face to an RGB NCHW blob normalized to
// (x - 127.5) / 127.5
func (e *ArcFace) preprocess(img gocv.Mat) []float32 {
	blob := gocv.BlobFromImage(img, 1.0/127.5, image.Pt(ArcFaceSize, ArcFaceSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	return bytesToFloat32Slice(blob.ToBytes())
}

// Close releases encoder resources
func (e *ArcFace) Close() error {
	return e.session.Destroy()
}

func bytesToFloat32Slice(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
