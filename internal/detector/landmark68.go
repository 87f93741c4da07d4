package detector

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/inference"
)

// Landmark68 localizes the 68-point iBUG landmark set using insightface's
// 1k3d68 model. 2D variants emitting 68x2 values are accepted as well.
type Landmark68 struct {
	session   *inference.Session
	inputSize int
	inputMean float32
	inputStd  float32
	outputLen int64
	stride    int // values per point in the model output (2 or 3)
}

// NewLandmark68 creates a new 68-point landmark detector. The output layout
// is read from the model file.
func NewLandmark68(modelPath string) (*Landmark68, error) {
	info, err := inference.Inspect(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect landmark model: %w", err)
	}
	if len(info.Inputs) != 1 || len(info.Outputs) != 1 {
		return nil, fmt.Errorf("landmark model must have 1 input and 1 output, got %d and %d",
			len(info.Inputs), len(info.Outputs))
	}

	outputLen := int64(1)
	for _, d := range info.Outputs[0].Dimensions {
		if d > 0 {
			outputLen *= d
		}
	}
	stride := 2
	if outputLen%3 == 0 {
		stride = 3
	}
	if outputLen < int64(FinePoints*stride) {
		return nil, fmt.Errorf("landmark model output too small: %d values", outputLen)
	}

	session, err := inference.NewSession(modelPath,
		[]string{info.Inputs[0].Name}, []string{info.Outputs[0].Name})
	if err != nil {
		return nil, fmt.Errorf("failed to create landmark session: %w", err)
	}

	// 1k3d68 normalizes internally (bn_data), so no mean/std is applied here
	return &Landmark68{
		session:   session,
		inputSize: 192,
		inputMean: 0,
		inputStd:  1,
		outputLen: outputLen,
		stride:    stride,
	}, nil
}

// Detect returns the 68 landmarks of the face inside box, in image coordinates
func (l *Landmark68) Detect(img gocv.Mat, box BoundingBox) (LandmarkSet, error) {
	if !box.Valid() {
		return nil, fmt.Errorf("invalid box %+v", box)
	}

	// 1.5x expansion like insightface
	w := float32(box.Width())
	h := float32(box.Height())
	centerX := float32(box.Left+box.Right) / 2
	centerY := float32(box.Top+box.Bottom) / 2
	scale := float32(l.inputSize) / (max(w, h) * 1.5)

	M := cropTransform(centerX, centerY, scale, l.inputSize)
	aligned := gocv.NewMat()
	defer aligned.Close()
	gocv.WarpAffine(img, &aligned, M, image.Pt(l.inputSize, l.inputSize))
	M.Close()
	if aligned.Empty() {
		return nil, fmt.Errorf("failed to crop face for landmarks")
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(aligned, &rgb, gocv.ColorBGRToRGB)

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	rgb.ConvertTo(&floatMat, gocv.MatTypeCV32FC3)

	// (x - mean) / std
	gocv.AddWeighted(floatMat, 1.0/float64(l.inputStd), floatMat, 0, -float64(l.inputMean)/float64(l.inputStd), &floatMat)

	blob := gocv.BlobFromImage(floatMat, 1.0, image.Pt(l.inputSize, l.inputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(l.inputSize), int64(l.inputSize)),
		bytesToFloat32(blob.ToBytes()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, l.outputLen})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := l.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("landmark inference failed: %w", err)
	}

	return l.postprocess(outputTensor.GetData(), centerX, centerY, scale), nil
}

// cropTransform creates the scale-and-translate matrix centering the face
func cropTransform(centerX, centerY, scale float32, size int) gocv.Mat {
	M := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	M.SetDoubleAt(0, 0, float64(scale))
	M.SetDoubleAt(0, 1, 0)
	M.SetDoubleAt(0, 2, float64(size)/2-float64(centerX*scale))
	M.SetDoubleAt(1, 0, 0)
	M.SetDoubleAt(1, 1, float64(scale))
	M.SetDoubleAt(1, 2, float64(size)/2-float64(centerY*scale))
	return M
}

// postprocess maps the last 68 points of the output from [-1, 1] crop
// space back to image coordinates
func (l *Landmark68) postprocess(output []float32, centerX, centerY, scale float32) LandmarkSet {
	halfSize := float32(l.inputSize) / 2
	offset := len(output) - FinePoints*l.stride

	landmarks := make(LandmarkSet, FinePoints)
	for i := range landmarks {
		x := (output[offset+i*l.stride] + 1) * halfSize
		y := (output[offset+i*l.stride+1] + 1) * halfSize

		landmarks[i] = Point{
			X: (x-halfSize)/scale + centerX,
			Y: (y-halfSize)/scale + centerY,
		}
	}

	return landmarks
}

// Close releases detector resources
func (l *Landmark68) Close() error {
	return l.session.Destroy()
}
