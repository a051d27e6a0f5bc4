package pipeline

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// isValidFrame reports whether a decoded frame can be used.
func isValidFrame(frame gocv.Mat) bool {
	if frame.Ptr() == nil || frame.Empty() {
		return false
	}
	return frame.Rows() > 0 && frame.Cols() > 0 && frame.Channels() > 0
}

// PrepareFrame converts a decoded 8-bit BGR frame into the working format:
// RGB, float32 in [0,1], resized to size. The result is owned by the caller.
func PrepareFrame(bgr gocv.Mat, size image.Point) (gocv.Mat, error) {
	if !isValidFrame(bgr) {
		return gocv.NewMat(), errors.New("invalid frame")
	}
	if bgr.Type() != gocv.MatTypeCV8UC3 {
		return gocv.NewMat(), errors.Errorf("unsupported frame type %v, want 8-bit BGR", bgr.Type())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)

	scaled := gocv.NewMat()
	defer scaled.Close()
	rgb.ConvertToWithParams(&scaled, gocv.MatTypeCV32FC3, 1.0/255, 0)

	out := gocv.NewMat()
	if scaled.Cols() == size.X && scaled.Rows() == size.Y {
		scaled.CopyTo(&out)
		return out, nil
	}
	gocv.Resize(scaled, &out, size, 0, 0, gocv.InterpolationLinear)
	return out, nil
}
