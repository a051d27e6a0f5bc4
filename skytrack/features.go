package skytrack

import (
	"image"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"skymotion/motion"
)

// cornerBlockSize is the Shi-Tomasi covariance window.
const cornerBlockSize = 3

// detectFeatures finds Shi-Tomasi corners of gray inside mask, strongest
// first. The quality cut and the minimum spacing are evaluated among the
// masked corners only, so strong corners outside the sky never suppress
// faint ones inside it.
func detectFeatures(gray, mask gocv.Mat, cfg Config) []motion.Point {
	resp, err := cornerResponse(gray, cornerBlockSize)
	if err != nil {
		return nil
	}
	m := mask
	if !m.IsContinuous() {
		m = mask.Clone()
		defer m.Close()
	}
	maskData, err := m.DataPtrUint8()
	if err != nil || len(maskData) != len(resp) {
		return nil
	}
	return selectCorners(resp, maskData, gray.Rows(), gray.Cols(), cfg)
}

// cornerResponse is the smaller eigenvalue of the gradient covariance of an
// 8-bit gray frame, averaged over a blockSize window.
func cornerResponse(gray gocv.Mat, blockSize int) ([]float32, error) {
	src := gocv.NewMat()
	defer src.Close()
	gray.ConvertTo(&src, gocv.MatTypeCV32F)

	ix := gocv.NewMat()
	defer ix.Close()
	iy := gocv.NewMat()
	defer iy.Close()
	gocv.Sobel(src, &ix, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(src, &iy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)

	window := image.Pt(blockSize, blockSize)
	products := [3]gocv.Mat{gocv.NewMat(), gocv.NewMat(), gocv.NewMat()}
	defer func() {
		for _, p := range products {
			p.Close()
		}
	}()
	gocv.Multiply(ix, ix, &products[0])
	gocv.Multiply(ix, iy, &products[1])
	gocv.Multiply(iy, iy, &products[2])

	var sums [3][]float32
	for i := range products {
		gocv.Blur(products[i], &products[i], window)
		data, err := products[i].DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrap(err, "reading gradient covariance")
		}
		sums[i] = data
	}

	resp := make([]float32, len(sums[0]))
	for i := range resp {
		a, b, c := float64(sums[0][i]), float64(sums[1][i]), float64(sums[2][i])
		h := (a - c) / 2
		resp[i] = float32((a+c)/2 - math.Sqrt(h*h+b*b))
	}
	return resp, nil
}

type corner struct {
	x, y  int
	score float32
}

// selectCorners keeps local maxima of resp inside mask that reach
// cfg.QualityLevel of the best masked response, then greedily enforces
// cfg.MinDistance and cfg.MaxCorners. resp and mask are row-major.
func selectCorners(resp []float32, mask []uint8, rows, cols int, cfg Config) []motion.Point {
	var best float32
	for i, v := range resp {
		if mask[i] != 0 && v > best {
			best = v
		}
	}
	if best <= 0 {
		return nil
	}
	thresh := best * float32(cfg.QualityLevel)

	var cands []corner
	for y := 1; y < rows-1; y++ {
		for x := 1; x < cols-1; x++ {
			i := y*cols + x
			v := resp[i]
			if mask[i] == 0 || v <= thresh || !isLocalMax(resp, cols, x, y) {
				continue
			}
			cands = append(cands, corner{x: x, y: y, score: v})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	minDist2 := cfg.MinDistance * cfg.MinDistance
	var pts []motion.Point
	for _, c := range cands {
		p := motion.Point{X: float64(c.x), Y: float64(c.y)}
		if tooClose(pts, p, minDist2) {
			continue
		}
		pts = append(pts, p)
		if cfg.MaxCorners > 0 && len(pts) == cfg.MaxCorners {
			break
		}
	}
	return pts
}

// isLocalMax matches a 3×3 dilation: no neighbour may exceed the centre.
func isLocalMax(resp []float32, cols, x, y int) bool {
	v := resp[y*cols+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if resp[(y+dy)*cols+x+dx] > v {
				return false
			}
		}
	}
	return true
}

func tooClose(pts []motion.Point, p motion.Point, minDist2 float64) bool {
	if minDist2 <= 0 {
		return false
	}
	for _, q := range pts {
		dx, dy := p.X-q.X, p.Y-q.Y
		if dx*dx+dy*dy < minDist2 {
			return true
		}
	}
	return false
}

// trackFeatures follows pts from prevGray to currGray with pyramidal
// Lucas-Kanade. Every input point yields one correspondence; Valid mirrors
// the tracker status.
func trackFeatures(prevGray, currGray gocv.Mat, pts []motion.Point) []motion.Correspondence {
	if len(pts) == 0 {
		return nil
	}

	prevPts := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV32F)
	defer prevPts.Close()
	for i, p := range pts {
		prevPts.SetFloatAt(i, 0, float32(p.X))
		prevPts.SetFloatAt(i, 1, float32(p.Y))
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLK(prevGray, currGray, prevPts, nextPts, &status, &errMat)

	next := readPoints(nextPts)
	corrs := make([]motion.Correspondence, len(pts))
	for i, p := range pts {
		corrs[i] = motion.Correspondence{Prev: p}
		if i >= len(next) || i >= status.Rows() {
			continue
		}
		corrs[i].Curr = next[i]
		corrs[i].Valid = status.GetUCharAt(i, 0) == 1
	}
	return corrs
}

// readPoints decodes an N×1 two-channel or N×2 single-channel float point Mat.
func readPoints(m gocv.Mat) []motion.Point {
	if m.Empty() {
		return nil
	}
	pts := make([]motion.Point, 0, m.Rows())
	for i := 0; i < m.Rows(); i++ {
		if m.Channels() == 2 {
			v := m.GetVecfAt(i, 0)
			pts = append(pts, motion.Point{X: float64(v[0]), Y: float64(v[1])})
			continue
		}
		pts = append(pts, motion.Point{X: float64(m.GetFloatAt(i, 0)), Y: float64(m.GetFloatAt(i, 1))})
	}
	return pts
}
