package skytrack

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Guided filter defaults for sky refinement.
const (
	DefaultGuidedRadius = 20
	DefaultGuidedEps    = 0.01
)

// blueChannel is the guide channel index of an RGB frame.
const blueChannel = 2

// RefineSkyMask sharpens a coarse sky confidence map along image edges with
// a guided filter, using the blue channel of the RGB float frame as guide.
// The result is CV_32FC1 clipped to [0,1].
func RefineSkyMask(frame, mask gocv.Mat, radius int, eps float64) (gocv.Mat, error) {
	if err := sameSize(frame, map[string]gocv.Mat{"sky mask": mask}); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "guided filter inputs")
	}
	if frame.Channels() <= blueChannel {
		return gocv.NewMat(), errors.Errorf("guide frame has %d channels, want RGB", frame.Channels())
	}

	channels := gocv.Split(frame)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	guide := gocv.NewMat()
	defer guide.Close()
	channels[blueChannel].ConvertTo(&guide, gocv.MatTypeCV32F)

	src := gocv.NewMat()
	defer src.Close()
	mask.ConvertTo(&src, gocv.MatTypeCV32F)

	return guidedFilter(guide, src, radius, float32(eps)), nil
}

// guidedFilter is the grey-guide guided filter of He et al. on CV_32F Mats.
func guidedFilter(guide, src gocv.Mat, radius int, eps float32) gocv.Mat {
	win := image.Pt(2*radius+1, 2*radius+1)
	box := func(m gocv.Mat) gocv.Mat {
		out := gocv.NewMat()
		gocv.Blur(m, &out, win)
		return out
	}
	mul := func(a, b gocv.Mat) gocv.Mat {
		out := gocv.NewMat()
		gocv.Multiply(a, b, &out)
		return out
	}
	sub := func(a, b gocv.Mat) gocv.Mat {
		out := gocv.NewMat()
		gocv.Subtract(a, b, &out)
		return out
	}

	meanI := box(guide)
	defer meanI.Close()
	meanP := box(src)
	defer meanP.Close()

	ii := mul(guide, guide)
	defer ii.Close()
	corrI := box(ii)
	defer corrI.Close()

	ip := mul(guide, src)
	defer ip.Close()
	corrIP := box(ip)
	defer corrIP.Close()

	meanII := mul(meanI, meanI)
	defer meanII.Close()
	varI := sub(corrI, meanII)
	defer varI.Close()

	meanIP := mul(meanI, meanP)
	defer meanIP.Close()
	covIP := sub(corrIP, meanIP)
	defer covIP.Close()

	varI.AddFloat(eps)
	a := gocv.NewMat()
	defer a.Close()
	gocv.Divide(covIP, varI, &a)

	aMeanI := mul(a, meanI)
	defer aMeanI.Close()
	b := sub(meanP, aMeanI)
	defer b.Close()

	meanA := box(a)
	defer meanA.Close()
	meanB := box(b)
	defer meanB.Close()

	q := mul(meanA, guide)
	defer q.Close()

	out := gocv.NewMat()
	gocv.Add(q, meanB, &out)
	gocv.Threshold(out, &out, 1, 1, gocv.ThresholdTrunc)
	gocv.Threshold(out, &out, 0, 0, gocv.ThresholdToZero)
	return out
}
