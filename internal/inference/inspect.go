package inference

import (
	"fmt"
	"os"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// TensorInfo describes one model input or output
type TensorInfo struct {
	Name       string
	Dimensions []int64
	DataType   string
}

// ModelInfo is the static description of an ONNX model file
type ModelInfo struct {
	Path        string
	Inputs      []TensorInfo
	Outputs     []TensorInfo
	Producer    string
	Version     string
	Domain      string
	Description string
}

// Inspect reads input/output shapes and metadata without creating a session.
// The runtime must be initialized.
func Inspect(modelPath string) (*ModelInfo, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}

	info := &ModelInfo{
		Path:    modelPath,
		Inputs:  tensorInfos(inputs),
		Outputs: tensorInfos(outputs),
	}

	metadata, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		// Metadata is optional; shapes are what callers need
		return info, nil
	}
	defer metadata.Destroy()

	if producer, err := metadata.GetProducerName(); err == nil {
		info.Producer = producer
	}
	if version, err := metadata.GetVersion(); err == nil {
		info.Version = fmt.Sprint(version)
	}
	if domain, err := metadata.GetDomain(); err == nil {
		info.Domain = domain
	}
	if desc, err := metadata.GetDescription(); err == nil {
		info.Description = desc
	}

	return info, nil
}

func tensorInfos(list []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, 0, len(list))
	for _, io := range list {
		out = append(out, TensorInfo{
			Name:       io.Name,
			Dimensions: append([]int64(nil), io.Dimensions...),
			DataType:   fmt.Sprintf("%v", io.DataType),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
