package skytrack

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// erodeKernel is the square kernel size for a frame of the given height.
func erodeKernel(rows int, fraction float64) int {
	k := int(float64(rows) * fraction)
	if k < 1 {
		k = 1
	}
	return k
}

// erodeSquare erodes src in place with a k×k rectangle.
func erodeSquare(src *gocv.Mat, k int) {
	if k <= 1 {
		return
	}
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(k, k))
	defer kernel.Close()
	gocv.Erode(*src, src, kernel)
}

// above returns a CV_8U mask (255/0) of pixels strictly greater than thresh.
func above(src gocv.Mat, thresh float64) gocv.Mat {
	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(src, &bin, float32(thresh), 255, gocv.ThresholdBinary)
	return toMask(bin)
}

// atLeast returns a CV_8U mask of pixels greater than or equal to thresh.
func atLeast(src gocv.Mat, thresh float64) gocv.Mat {
	return above(src, float64(math.Nextafter32(float32(thresh), float32(math.Inf(-1)))))
}

// below returns a CV_8U mask of pixels strictly less than thresh.
func below(src gocv.Mat, thresh float64) gocv.Mat {
	bin := gocv.NewMat()
	defer bin.Close()
	edge := math.Nextafter32(float32(thresh), float32(math.Inf(-1)))
	gocv.Threshold(src, &bin, edge, 255, gocv.ThresholdBinaryInv)
	return toMask(bin)
}

func toMask(bin gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	bin.ConvertTo(&out, gocv.MatTypeCV8U)
	return out
}

// strictSkyMask is the eroded high-confidence sky region where corners are
// allowed.
func strictSkyMask(sky gocv.Mat, cfg Config) gocv.Mat {
	m := above(sky, cfg.StrictSkyThreshold)
	erodeSquare(&m, erodeKernel(sky.Rows(), cfg.ErodeFraction))
	return m
}

// foregroundMask is the low-confidence region handed to BuildFlowDepth.
func foregroundMask(sky gocv.Mat, cfg Config) gocv.Mat {
	return below(sky, cfg.ForegroundThreshold)
}

// toGray converts a float RGB frame in [0,1] to 8-bit grayscale.
func toGray(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch frame.Channels() {
	case 1:
		frame.CopyTo(&gray)
	case 4:
		gocv.CvtColor(frame, &gray, gocv.ColorRGBAToGray)
	default:
		gocv.CvtColor(frame, &gray, gocv.ColorRGBToGray)
	}
	if gray.Type() == gocv.MatTypeCV8U {
		return gray
	}
	out := gocv.NewMat()
	scale := 255.0
	if gray.Type() != gocv.MatTypeCV32F && gray.Type() != gocv.MatTypeCV64F {
		scale = 1
	}
	gray.ConvertToWithParams(&out, gocv.MatTypeCV8U, float32(scale), 0)
	gray.Close()
	return out
}

// sameSize reports an error naming the first Mat whose size differs from ref.
func sameSize(ref gocv.Mat, mats map[string]gocv.Mat) error {
	for name, m := range mats {
		if m.Empty() {
			return errors.Errorf("%s is empty", name)
		}
		if m.Rows() != ref.Rows() || m.Cols() != ref.Cols() {
			return errors.Errorf("%s is %dx%d, want %dx%d", name, m.Cols(), m.Rows(), ref.Cols(), ref.Rows())
		}
	}
	return nil
}
