package detector

import (
	"fmt"
	"image"
	"image/color"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/crowdface/internal/inference"
)

// Feature map strides of the three detection heads
var scrfdStrides = [...]int{8, 16, 32}

const (
	anchorsPerCell = 2
	keypointCount  = 5
)

// scrfdLevel holds the three output heads of one stride
type scrfdLevel struct {
	stride int
	score  *ort.Tensor[float32] // [anchors, 1]
	bbox   *ort.Tensor[float32] // [anchors, 4] distances to the edges
	kps    *ort.Tensor[float32] // [anchors, 10]
}

func (l *scrfdLevel) destroy() {
	for _, t := range []*ort.Tensor[float32]{l.score, l.bbox, l.kps} {
		if t != nil {
			t.Destroy()
		}
	}
}

// SCRFD is the face detector. Inputs are letterboxed into a square of
// inputSize pixels anchored at the top-left corner.
type SCRFD struct {
	session       *inference.Session
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
}

// NewSCRFD loads an SCRFD model with keypoint heads (e.g. scrfd_10g_bnkps)
func NewSCRFD(modelPath string, inputSize int, confThreshold, nmsThreshold float32) (*SCRFD, error) {
	if inputSize <= 0 || inputSize%scrfdStrides[len(scrfdStrides)-1] != 0 {
		return nil, fmt.Errorf("scrfd input size %d must be a positive multiple of 32", inputSize)
	}

	// Output order is every score head, then every bbox head, then every kps head
	var outputNames []string
	for _, head := range []string{"score", "bbox", "kps"} {
		for _, stride := range scrfdStrides {
			outputNames = append(outputNames, fmt.Sprintf("%s_%d", head, stride))
		}
	}

	session, err := inference.NewSession(modelPath, []string{"input.1"}, outputNames)
	if err != nil {
		return nil, fmt.Errorf("failed to create SCRFD session: %w", err)
	}

	return &SCRFD{
		session:       session,
		inputSize:     inputSize,
		confThreshold: confThreshold,
		nmsThreshold:  nmsThreshold,
	}, nil
}

// Detect finds faces in a BGR image, highest score first. Boxes are clamped
// to the image and boxes left without area are dropped.
func (s *SCRFD) Detect(img gocv.Mat) ([]Face, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	blob, scale, err := s.blob(img)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	input, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(s.inputSize), int64(s.inputSize)),
		bytesToFloat32(blob.ToBytes()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	levels := make([]scrfdLevel, len(scrfdStrides))
	defer func() {
		for i := range levels {
			levels[i].destroy()
		}
	}()

	n := len(scrfdStrides)
	outputs := make([]ort.Value, 3*n)
	for i, stride := range scrfdStrides {
		cells := s.inputSize / stride
		anchors := int64(cells * cells * anchorsPerCell)

		lvl := &levels[i]
		lvl.stride = stride
		for j, dst := range []**ort.Tensor[float32]{&lvl.score, &lvl.bbox, &lvl.kps} {
			width := []int64{1, 4, 2 * keypointCount}[j]
			t, err := inference.CreateEmptyTensor[float32]([]int64{anchors, width})
			if err != nil {
				return nil, fmt.Errorf("failed to create output tensor: %w", err)
			}
			*dst = t
			outputs[j*n+i] = t
		}
	}

	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	bounds := Point{X: float32(img.Cols()), Y: float32(img.Rows())}
	var faces []Face
	for i := range levels {
		faces = s.decode(faces, &levels[i], scale, bounds)
	}
	faces = nms(faces, s.nmsThreshold)

	kept := faces[:0]
	for _, f := range faces {
		if f.Box.Bounds().Valid() {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

// blob letterboxes img into the network input and returns the NCHW float
// blob with the factor from image to input coordinates
func (s *SCRFD) blob(img gocv.Mat) (gocv.Mat, float32, error) {
	scale := float32(s.inputSize) / float32(max(img.Rows(), img.Cols()))
	w := min(int(float32(img.Cols())*scale), s.inputSize)
	h := min(int(float32(img.Rows())*scale), s.inputSize)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(resized, &padded, 0, s.inputSize-h, 0, s.inputSize-w, gocv.BorderConstant, color.RGBA{})
	if padded.Empty() {
		return gocv.Mat{}, 0, fmt.Errorf("failed to letterbox image")
	}

	// (x - 127.5) / 128, BGR to RGB
	blob := gocv.BlobFromImage(padded, 1.0/128.0, image.Pt(s.inputSize, s.inputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	return blob, scale, nil
}

// decode appends the faces of one stride level scoring at least the
// confidence threshold
func (s *SCRFD) decode(faces []Face, lvl *scrfdLevel, scale float32, bounds Point) []Face {
	scores := lvl.score.GetData()
	boxes := lvl.bbox.GetData()
	kps := lvl.kps.GetData()
	cells := s.inputSize / lvl.stride
	stride := float32(lvl.stride)

	for idx, score := range scores {
		if score < s.confThreshold {
			continue
		}

		// anchors are laid out row by row, anchorsPerCell per cell
		cell := idx / anchorsPerCell
		cx := float32(cell%cells) * stride
		cy := float32(cell/cells) * stride

		d := boxes[idx*4 : idx*4+4]
		box := Rect{
			X1: clamp((cx-d[0]*stride)/scale, 0, bounds.X),
			Y1: clamp((cy-d[1]*stride)/scale, 0, bounds.Y),
			X2: clamp((cx+d[2]*stride)/scale, 0, bounds.X),
			Y2: clamp((cy+d[3]*stride)/scale, 0, bounds.Y),
		}

		var pts [keypointCount]Point
		k := kps[idx*2*keypointCount : (idx+1)*2*keypointCount]
		for p := range pts {
			pts[p] = Point{
				X: (cx + k[2*p]*stride) / scale,
				Y: (cy + k[2*p+1]*stride) / scale,
			}
		}

		faces = append(faces, Face{
			Box:       box,
			Landmarks: Landmarks{LeftEye: pts[0], RightEye: pts[1], Nose: pts[2], LeftMouth: pts[3], RightMouth: pts[4]},
			Score:     score,
		})
	}
	return faces
}

// Close releases detector resources
func (s *SCRFD) Close() error {
	return s.session.Destroy()
}

func clamp(x, lo, hi float32) float32 {
	return max(lo, min(x, hi))
}

// bytesToFloat32 reinterprets a little-endian float32 Mat buffer
func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(uint32(data[4*i]) | uint32(data[4*i+1])<<8 |
			uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24)
	}
	return out
}
