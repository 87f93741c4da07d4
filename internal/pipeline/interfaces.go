package pipeline

import (
	"github.com/dudu/crowdface/internal/compositing"
	"github.com/dudu/crowdface/internal/matching"
)

// Backend represents the inference backend to use
type Backend string

const (
	BackendONNX   Backend = "onnx"
	BackendCoreML Backend = "coreml"
)

// FaceProvider is a matching provider that owns model sessions
type FaceProvider interface {
	matching.Provider
	Close() error
}

// Library is the warp and blend primitive set used for compositing
type Library = compositing.Library
