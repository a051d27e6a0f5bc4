package motion

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// degenerateCovariance is the cross-covariance magnitude below which the
// rotation is considered unobservable.
const degenerateCovariance = 1e-9

// Transform is a rigid 2D motion: a rotation about Pivot followed by a
// translation of (DX, DY) pixels. Rotation is in degrees, positive from +x
// towards +y in image coordinates.
type Transform struct {
	DX       float64
	DY       float64
	Rotation float64
	Pivot    Point
}

// EstimatePartialTransform fits the least-squares rotation + translation
// (scale fixed to 1) that maps prev onto curr, expressed about pivot:
//
//	curr ≈ R(θ)·(prev − pivot) + pivot + (DX, DY)
//
// The fit is closed form. When the point cloud has no usable spread (a single
// point, coincident points) the rotation falls back to zero and the
// translation to the centroid shift. An empty input gives zero motion.
func EstimatePartialTransform(prev, curr []Point, pivot Point) Transform {
	n := pairCount(prev, curr)
	if n == 0 {
		return Transform{Pivot: pivot}
	}
	prev, curr = prev[:n], curr[:n]

	cPrev := centroid(prev)
	cCurr := centroid(curr)

	var dot, cross float64
	for i := 0; i < n; i++ {
		p := prev[i].Sub(cPrev)
		q := curr[i].Sub(cCurr)
		dot += p.Dot(q)
		cross += p.Cross(q)
	}

	theta := 0.0
	if math.Hypot(dot, cross) > degenerateCovariance {
		theta = math.Atan2(cross, dot)
	}

	t := cCurr.Sub(pivot).Sub(rotate(cPrev.Sub(pivot), theta))
	return Transform{
		DX:       t.X,
		DY:       t.Y,
		Rotation: theta * 180 / math.Pi,
		Pivot:    pivot,
	}
}

// Apply maps p through the transform.
func (t Transform) Apply(p Point) Point {
	r := rotate(p.Sub(t.Pivot), t.radians())
	return r.Add(t.Pivot).Add(Point{X: t.DX, Y: t.DY})
}

// Matrix returns the equivalent 2×3 affine matrix about the image origin.
func (t Transform) Matrix() *mat.Dense {
	sin, cos := math.Sincos(t.radians())
	origin := t.Apply(Point{})
	return mat.NewDense(2, 3, []float64{
		cos, -sin, origin.X,
		sin, cos, origin.Y,
	})
}

// Label converts a fitted transform into a valid motion label.
func (t Transform) Label() Label {
	return Label{DX: t.DX, DY: t.DY, Rotation: t.Rotation, Valid: true}
}

func (t Transform) radians() float64 {
	return t.Rotation * math.Pi / 180
}

func rotate(p Point, theta float64) Point {
	sin, cos := math.Sincos(theta)
	return Point{X: cos*p.X - sin*p.Y, Y: sin*p.X + cos*p.Y}
}

func centroid(pts []Point) Point {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	return Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)}
}
