// Package skytrack turns a pair of sky video frames, a sky-confidence mask
// and a depth map into a flow/depth training tensor and a motion label.
//
// The Tracker runs the whole step: sky-area check, optional jitter, mask
// preparation, depth-weighted flow, corner detection, sparse tracking,
// outlier rejection and the rigid fit about the frame center.
package skytrack

import (
	"skymotion/motion"
)

// FlowConfig tunes the Farnebäck flow and the foreground refinement used by
// BuildFlowDepth.
type FlowConfig struct {
	PyrScale   float64
	Levels     int
	WinSize    int
	Iterations int
	PolyN      int
	PolySigma  float64

	// ErodeFraction sizes the square erosion kernel as a fraction of frame height.
	ErodeFraction float64
	// DepthThreshold drops foreground pixels whose depth is below it.
	DepthThreshold float64
}

// DefaultFlowConfig returns the flow parameters the labels were tuned with.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		PyrScale:       0.5,
		Levels:         3,
		WinSize:        15,
		Iterations:     3,
		PolyN:          5,
		PolySigma:      1.2,
		ErodeFraction:  0.05,
		DepthThreshold: 0.8,
	}
}

// Config tunes one tracking step.
type Config struct {
	MinSkyFraction      float64 // mean sky confidence below this skips the frame
	StrictSkyThreshold  float64 // sky confidence above this may host features
	ForegroundThreshold float64 // sky confidence below this is flow foreground
	ErodeFraction       float64 // strict sky erosion kernel, fraction of height

	JitterProbability float64
	JitterMaxTenths   int // jitter angle is uniform in [-max, max] tenths of a degree

	MaxCorners   int
	QualityLevel float64
	MinDistance  float64
	MinSurvivors int

	Outliers motion.OutlierConfig
	Flow     FlowConfig
}

// DefaultConfig returns the standard tracking parameters.
func DefaultConfig() Config {
	return Config{
		MinSkyFraction:      0.05,
		StrictSkyThreshold:  0.99,
		ForegroundThreshold: 0.5,
		ErodeFraction:       0.05,
		JitterProbability:   0.05,
		JitterMaxTenths:     30,
		MaxCorners:          200,
		QualityLevel:        0.01,
		MinDistance:         30,
		MinSurvivors:        10,
		Outliers:            motion.DefaultOutlierConfig(),
		Flow:                DefaultFlowConfig(),
	}
}
