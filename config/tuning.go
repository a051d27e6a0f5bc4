// Package config loads the JSON tuning file of the labeling pipeline.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"skymotion/motion"
	"skymotion/skytrack"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig holds every algorithm knob of the labeling pipeline. Fields
// are pointers so a partial JSON file only overrides what it names; the
// Get* methods supply defaults for the rest.
type TuningConfig struct {
	// Sampling and preprocessing
	Stride      *int `json:"stride,omitempty"`
	FrameWidth  *int `json:"frame_width,omitempty"`
	FrameHeight *int `json:"frame_height,omitempty"`

	// Sky masks
	MinSkyFraction      *float64 `json:"min_sky_fraction,omitempty"`
	StrictSkyThreshold  *float64 `json:"strict_sky_threshold,omitempty"`
	ForegroundThreshold *float64 `json:"foreground_threshold,omitempty"`
	ErodeFraction       *float64 `json:"erode_fraction,omitempty"`
	DepthThreshold      *float64 `json:"depth_threshold,omitempty"`
	GuidedRadius        *int     `json:"guided_radius,omitempty"`
	GuidedEps           *float64 `json:"guided_eps,omitempty"`

	// Augmentation
	JitterProbability *float64 `json:"jitter_probability,omitempty"`
	JitterMaxTenths   *int     `json:"jitter_max_tenths,omitempty"`

	// Features and tracking
	MaxCorners        *int     `json:"max_corners,omitempty"`
	QualityLevel      *float64 `json:"quality_level,omitempty"`
	MinDistance       *float64 `json:"min_distance,omitempty"`
	MinSurvivors      *int     `json:"min_survivors,omitempty"`
	OutlierMultiplier *float64 `json:"outlier_multiplier,omitempty"`
	OutlierMinSpread  *float64 `json:"outlier_min_spread,omitempty"`

	// Dense flow
	FlowPyrScale   *float64 `json:"flow_pyr_scale,omitempty"`
	FlowLevels     *int     `json:"flow_levels,omitempty"`
	FlowWinSize    *int     `json:"flow_win_size,omitempty"`
	FlowIterations *int     `json:"flow_iterations,omitempty"`
	FlowPolyN      *int     `json:"flow_poly_n,omitempty"`
	FlowPolySigma  *float64 `json:"flow_poly_sigma,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset, which
// resolves to the built-in defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, errors.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat config file")
	}
	if fileInfo.Size() > maxFileSize {
		return nil, errors.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config JSON")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *TuningConfig) Validate() error {
	if c.Stride != nil && *c.Stride < 2 {
		return errors.Errorf("stride must be at least 2, got %d", *c.Stride)
	}
	if c.FrameWidth != nil && *c.FrameWidth <= 0 {
		return errors.Errorf("frame_width must be positive, got %d", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return errors.Errorf("frame_height must be positive, got %d", *c.FrameHeight)
	}

	for name, v := range map[string]*float64{
		"min_sky_fraction":     c.MinSkyFraction,
		"strict_sky_threshold": c.StrictSkyThreshold,
		"foreground_threshold": c.ForegroundThreshold,
		"erode_fraction":       c.ErodeFraction,
		"jitter_probability":   c.JitterProbability,
		"quality_level":        c.QualityLevel,
		"flow_pyr_scale":       c.FlowPyrScale,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return errors.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	for name, v := range map[string]*int{
		"jitter_max_tenths": c.JitterMaxTenths,
		"max_corners":       c.MaxCorners,
		"min_survivors":     c.MinSurvivors,
		"guided_radius":     c.GuidedRadius,
		"flow_levels":       c.FlowLevels,
	} {
		if v != nil && *v < 0 {
			return errors.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	if c.QualityLevel != nil && *c.QualityLevel <= 0 {
		return errors.Errorf("quality_level must be positive, got %f", *c.QualityLevel)
	}
	if c.MinDistance != nil && *c.MinDistance < 0 {
		return errors.Errorf("min_distance must be non-negative, got %f", *c.MinDistance)
	}
	if c.FlowIterations != nil && *c.FlowIterations < 1 {
		return errors.Errorf("flow_iterations must be positive, got %d", *c.FlowIterations)
	}
	if c.FlowWinSize != nil && *c.FlowWinSize < 1 {
		return errors.Errorf("flow_win_size must be positive, got %d", *c.FlowWinSize)
	}
	if c.FlowPolyN != nil && *c.FlowPolyN != 5 && *c.FlowPolyN != 7 {
		return errors.Errorf("flow_poly_n must be 5 or 7, got %d", *c.FlowPolyN)
	}
	if c.OutlierMultiplier != nil && *c.OutlierMultiplier <= 0 {
		return errors.Errorf("outlier_multiplier must be positive, got %f", *c.OutlierMultiplier)
	}
	return nil
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// GetStride returns the pair sampling stride.
func (c *TuningConfig) GetStride() int { return getInt(c.Stride, 30) }

// GetFrameSize returns the working resolution as width, height.
func (c *TuningConfig) GetFrameSize() (int, int) {
	return getInt(c.FrameWidth, 845), getInt(c.FrameHeight, 480)
}

// GetGuidedRadius returns the guided filter radius.
func (c *TuningConfig) GetGuidedRadius() int {
	return getInt(c.GuidedRadius, skytrack.DefaultGuidedRadius)
}

// GetGuidedEps returns the guided filter regularization.
func (c *TuningConfig) GetGuidedEps() float64 {
	return getFloat(c.GuidedEps, skytrack.DefaultGuidedEps)
}

// TrackerConfig resolves the tracking parameters.
func (c *TuningConfig) TrackerConfig() skytrack.Config {
	d := skytrack.DefaultConfig()
	return skytrack.Config{
		MinSkyFraction:      getFloat(c.MinSkyFraction, d.MinSkyFraction),
		StrictSkyThreshold:  getFloat(c.StrictSkyThreshold, d.StrictSkyThreshold),
		ForegroundThreshold: getFloat(c.ForegroundThreshold, d.ForegroundThreshold),
		ErodeFraction:       getFloat(c.ErodeFraction, d.ErodeFraction),
		JitterProbability:   getFloat(c.JitterProbability, d.JitterProbability),
		JitterMaxTenths:     getInt(c.JitterMaxTenths, d.JitterMaxTenths),
		MaxCorners:          getInt(c.MaxCorners, d.MaxCorners),
		QualityLevel:        getFloat(c.QualityLevel, d.QualityLevel),
		MinDistance:         getFloat(c.MinDistance, d.MinDistance),
		MinSurvivors:        getInt(c.MinSurvivors, d.MinSurvivors),
		Outliers: motion.OutlierConfig{
			Multiplier: getFloat(c.OutlierMultiplier, d.Outliers.Multiplier),
			MinSpread:  getFloat(c.OutlierMinSpread, d.Outliers.MinSpread),
		},
		Flow: skytrack.FlowConfig{
			PyrScale:       getFloat(c.FlowPyrScale, d.Flow.PyrScale),
			Levels:         getInt(c.FlowLevels, d.Flow.Levels),
			WinSize:        getInt(c.FlowWinSize, d.Flow.WinSize),
			Iterations:     getInt(c.FlowIterations, d.Flow.Iterations),
			PolyN:          getInt(c.FlowPolyN, d.Flow.PolyN),
			PolySigma:      getFloat(c.FlowPolySigma, d.Flow.PolySigma),
			ErodeFraction:  getFloat(c.ErodeFraction, d.Flow.ErodeFraction),
			DepthThreshold: getFloat(c.DepthThreshold, d.Flow.DepthThreshold),
		},
	}
}

// JSON renders the config for the manifest's run record.
func (c *TuningConfig) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
