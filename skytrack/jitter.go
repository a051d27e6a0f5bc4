package skytrack

import (
	"image"
	"math/rand"

	"gocv.io/x/gocv"
)

// drawJitter decides whether this step is jittered and by how many degrees.
// The angle is a whole number of tenths of a degree in
// [-maxTenths, maxTenths].
func drawJitter(rng *rand.Rand, probability float64, maxTenths int) (float64, bool) {
	if rng == nil || probability <= 0 {
		return 0, false
	}
	if rng.Float64() <= 1-probability {
		return 0, false
	}
	tenths := rng.Intn(2*maxTenths+1) - maxTenths
	return float64(tenths) * 0.1, true
}

// rotateAboutCenter returns gray rotated by degrees about the frame center.
func rotateAboutCenter(gray gocv.Mat, degrees float64) gocv.Mat {
	center := image.Pt(gray.Cols()/2, gray.Rows()/2)
	m := gocv.GetRotationMatrix2D(center, -degrees, 1)
	defer m.Close()

	out := gocv.NewMat()
	gocv.WarpAffine(gray, &out, m, image.Pt(gray.Cols(), gray.Rows()))
	return out
}
