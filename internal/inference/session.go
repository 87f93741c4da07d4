package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dudu/crowdface/internal/logging"
)

// Options configures the ONNX Runtime environment
type Options struct {
	SharedLibrary  string // path to libonnxruntime (.so / .dylib)
	UseCoreML      bool   // try the CoreML execution provider, fall back to CPU
	IntraOpThreads int    // 0 leaves the runtime default
}

var (
	initialized bool
	options     Options
	initMu      sync.Mutex
)

// Initialize sets up ONNX Runtime environment (call once at startup)
func Initialize(opts Options) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if opts.SharedLibrary != "" {
		ort.SetSharedLibraryPath(opts.SharedLibrary)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	options = opts
	initialized = true
	return nil
}

// Shutdown cleans up ONNX Runtime environment
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// Session wraps an ONNX Runtime session with fixed input and output names
type Session struct {
	session   *ort.DynamicAdvancedSession
	modelPath string
}

// NewSession creates a new inference session from an ONNX model
func NewSession(modelPath string, inputNames, outputNames []string) (*Session, error) {
	initMu.Lock()
	ready, opts := initialized, options
	initMu.Unlock()

	if !ready {
		return nil, fmt.Errorf("ONNX Runtime not initialized, call Initialize() first")
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOptions.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	provider := "CPU"
	if opts.UseCoreML {
		// Flag 0 = default settings, use Neural Engine + GPU
		if err := sessionOptions.AppendExecutionProviderCoreML(0); err != nil {
			logging.Warnf("%s - CoreML failed, using CPU: %v", modelPath, err)
		} else {
			provider = "CoreML"
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}
	logging.Infof("[%s] %s (%d in, %d out)", provider, modelPath, len(inputNames), len(outputNames))

	return &Session{session: session, modelPath: modelPath}, nil
}

// Run executes inference, filling the preallocated outputs
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	if err := s.session.Run(inputs, outputs); err != nil {
		return fmt.Errorf("%s: %w", s.modelPath, err)
	}
	return nil
}

// Destroy releases session resources
func (s *Session) Destroy() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// CreateEmptyTensor creates a zeroed tensor for output
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	return ort.NewTensor(ort.NewShape(shape...), make([]T, size))
}
