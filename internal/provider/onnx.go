// Package provider implements face detection, landmarks and descriptors
// on ONNX Runtime models.
package provider

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/detector"
	"github.com/dudu/crowdface/internal/encoder"
)

// Config holds the model paths and detector thresholds
type Config struct {
	DetectorModel string
	LandmarkModel string
	EncoderModel  string
	InputSize     int
	ConfThreshold float32
	NMSThreshold  float32
	Seed          int64 // jitter seed for the encoder, 0 = clock
}

// ONNX serves the matching engine from three ONNX sessions. Each session
// has its own lock, so different stages may run concurrently while a
// single session is never entered twice.
type ONNX struct {
	detMu    sync.Mutex
	detector *detector.SCRFD

	lmMu      sync.Mutex
	landmarks *detector.Landmark68

	encMu   sync.Mutex
	encoder *encoder.ArcFace
}

// New loads the three models. inference.Initialize must have been called.
func New(cfg Config) (*ONNX, error) {
	det, err := detector.NewSCRFD(cfg.DetectorModel, cfg.InputSize, cfg.ConfThreshold, cfg.NMSThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	lm, err := detector.NewLandmark68(cfg.LandmarkModel)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("failed to create landmark model: %w", err)
	}

	enc, err := encoder.NewArcFace(cfg.EncoderModel, cfg.Seed)
	if err != nil {
		det.Close()
		lm.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &ONNX{detector: det, landmarks: lm, encoder: enc}, nil
}

// DetectFaces returns the boxes of every face in img, best score first
func (p *ONNX) DetectFaces(img gocv.Mat) ([]detector.BoundingBox, error) {
	p.detMu.Lock()
	faces, err := p.detector.Detect(img)
	p.detMu.Unlock()
	if err != nil {
		return nil, err
	}

	boxes := make([]detector.BoundingBox, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, f.Box.Bounds())
	}
	return boxes, nil
}

// LocalizeLandmarks returns 68 points for Fine and the 5-point reduction
// of them for Coarse
func (p *ONNX) LocalizeLandmarks(img gocv.Mat, box detector.BoundingBox, variant detector.Variant) (detector.LandmarkSet, error) {
	p.lmMu.Lock()
	fine, err := p.landmarks.Detect(img, box)
	p.lmMu.Unlock()
	if err != nil {
		return nil, err
	}

	switch variant {
	case detector.Fine:
		return fine, nil
	case detector.Coarse:
		coarse := fine.Coarse()
		if coarse == nil {
			return nil, fmt.Errorf("cannot reduce %d landmarks to %s", len(fine), variant)
		}
		return coarse, nil
	default:
		return nil, fmt.Errorf("unknown landmark variant %v", variant)
	}
}

// ComputeDescriptor encodes the face aligned on coarse
func (p *ONNX) ComputeDescriptor(img gocv.Mat, coarse detector.LandmarkSet, jitterIters int) (encoder.Descriptor, error) {
	p.encMu.Lock()
	defer p.encMu.Unlock()
	return p.encoder.Compute(img, coarse, jitterIters)
}

// Close releases the three sessions
func (p *ONNX) Close() error {
	return errors.Join(p.detector.Close(), p.landmarks.Close(), p.encoder.Close())
}
