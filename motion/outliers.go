package motion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a standard deviation
// estimate for normally distributed data.
const madScale = 1.4826

// OutlierConfig controls RemoveOutliers.
type OutlierConfig struct {
	Multiplier float64 // allowed deviation in units of the robust spread
	MinSpread  float64 // lower bound on the spread, in pixels
}

// DefaultOutlierConfig returns the thresholds used by the label pipeline.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{
		Multiplier: 3.0,
		MinSpread:  0.5,
	}
}

// RemoveOutliers drops correspondences whose displacement disagrees with the
// bulk of the set. The median displacement and its MAD are computed per axis;
// a pair is kept only when both of its displacement components lie within
// Multiplier robust spreads of the median.
//
// Inputs of different length are truncated to the shorter one. An empty or
// fully rejected set yields empty (non-nil) slices.
func RemoveOutliers(prev, curr []Point, cfg OutlierConfig) ([]Point, []Point) {
	n := pairCount(prev, curr)
	keptPrev := make([]Point, 0, n)
	keptCurr := make([]Point, 0, n)
	if n == 0 {
		return keptPrev, keptCurr
	}

	dx := make([]float64, n)
	dy := make([]float64, n)
	for i := 0; i < n; i++ {
		d := curr[i].Sub(prev[i])
		dx[i], dy[i] = d.X, d.Y
	}

	medX, spreadX := robustSpread(dx, cfg.MinSpread)
	medY, spreadY := robustSpread(dy, cfg.MinSpread)
	limitX := cfg.Multiplier * spreadX
	limitY := cfg.Multiplier * spreadY

	for i := 0; i < n; i++ {
		if math.Abs(dx[i]-medX) > limitX || math.Abs(dy[i]-medY) > limitY {
			continue
		}
		keptPrev = append(keptPrev, prev[i])
		keptCurr = append(keptCurr, curr[i])
	}
	return keptPrev, keptCurr
}

// robustSpread returns the median of values and max(madScale*MAD, floor).
func robustSpread(values []float64, floor float64) (median, spread float64) {
	median = sortedMedian(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - median)
	}
	spread = madScale * sortedMedian(dev)
	if spread < floor {
		spread = floor
	}
	return median, spread
}

func sortedMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
