package inference

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Network input conventions.
var (
	segmenterInput = blobParams{size: image.Pt(384, 384), scale: 1, mean: 0}
	// (x - 0.5) / 0.5
	depthInput = blobParams{size: image.Pt(1024, 256), scale: 2, mean: 0.5}
)

// Segmenter is the ONNX sky segmentation network.
type Segmenter struct {
	*netModel
}

// NewSegmenter loads the segmentation network on backend b.
func NewSegmenter(path string, b Backend) (*Segmenter, error) {
	m, err := loadNet(path, b, segmenterInput)
	if err != nil {
		return nil, errors.Wrap(err, "sky segmenter")
	}
	return &Segmenter{m}, nil
}

// Segment returns the sky confidence of frame, bilinearly resized to the
// frame and clipped to [0,1].
func (s *Segmenter) Segment(frame gocv.Mat) (gocv.Mat, error) {
	out, err := s.forward(frame)
	if err != nil {
		return out, errors.Wrap(err, "segmenting sky")
	}
	clipUnit(&out)
	return out, nil
}

// DepthModel is the ONNX monocular depth network.
type DepthModel struct {
	*netModel
}

// NewDepthModel loads the depth network on backend b.
func NewDepthModel(path string, b Backend) (*DepthModel, error) {
	m, err := loadNet(path, b, depthInput)
	if err != nil {
		return nil, errors.Wrap(err, "depth estimator")
	}
	return &DepthModel{m}, nil
}

// Estimate returns the depth proxy of frame at frame resolution.
func (d *DepthModel) Estimate(frame gocv.Mat) (gocv.Mat, error) {
	out, err := d.forward(frame)
	if err != nil {
		return out, errors.Wrap(err, "estimating depth")
	}
	clampNonNegative(&out)
	return out, nil
}
