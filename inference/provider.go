// Package inference runs the sky segmentation and monocular depth networks
// that feed the tracker. Both are ONNX models executed through the OpenCV DNN
// module, on CUDA when an NVIDIA GPU is usable and on the CPU otherwise.
package inference

import (
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// SkySegmenter maps an RGB float frame in [0,1] to a CV_32FC1 sky
// confidence map in [0,1] at frame resolution.
type SkySegmenter interface {
	Segment(frame gocv.Mat) (gocv.Mat, error)
}

// DepthEstimator maps an RGB float frame in [0,1] to a CV_32FC1
// non-negative depth proxy at frame resolution.
type DepthEstimator interface {
	Estimate(frame gocv.Mat) (gocv.Mat, error)
}

// Logger is the component-tagged logger used for provider selection.
type Logger interface {
	Debugf(component, format string, args ...interface{})
}

// ModelPaths locates the ONNX files.
type ModelPaths struct {
	Segmenter string
	Depth     string
}

// ProviderInfo describes the backend the networks run on.
type ProviderInfo struct {
	Type     string        // "GPU" or "CPU"
	Backend  string        // "OpenCV CUDA", "OpenCV CPU"
	Device   string        // Device identifier
	InitTime time.Duration // Time taken to load and verify both networks
}

// ProviderManager handles automatic backend selection and fallback. Each
// video worker owns its own manager: OpenCV networks are not shared across
// goroutines.
type ProviderManager struct {
	log          Logger
	gpuAvailable func() bool

	segmenter *Segmenter
	depth     *DepthModel
	info      ProviderInfo
}

// NewProviderManager creates a manager that probes the host for a GPU.
func NewProviderManager(logger Logger) *ProviderManager {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ProviderManager{log: logger, gpuAvailable: hasGPUCapability}
}

// Initialize loads both networks on the best available backend, falling
// back to CPU when CUDA initialization or the test inference fails.
func (pm *ProviderManager) Initialize(paths ModelPaths) error {
	pm.log.Debugf("PROVIDER", "Auto-detecting best inference backend...")

	if pm.gpuAvailable() {
		pm.log.Debugf("PROVIDER", "GPU capability detected, attempting CUDA initialization...")
		start := time.Now()
		err := pm.load(paths, BackendCUDA)
		if err == nil {
			pm.info.InitTime = time.Since(start)
			pm.log.Debugf("PROVIDER", "GPU backend initialized (%v)", pm.info.InitTime)
			return nil
		}
		pm.log.Debugf("PROVIDER", "GPU initialization failed: %v, falling back to CPU", err)
	} else {
		pm.log.Debugf("PROVIDER", "No GPU capability detected")
	}

	start := time.Now()
	if err := pm.load(paths, BackendCPU); err != nil {
		return errors.Wrap(err, "both GPU and CPU backends failed")
	}
	pm.info.InitTime = time.Since(start)
	pm.log.Debugf("PROVIDER", "CPU backend initialized (%v)", pm.info.InitTime)
	return nil
}

func (pm *ProviderManager) load(paths ModelPaths, b Backend) error {
	seg, err := NewSegmenter(paths.Segmenter, b)
	if err != nil {
		return err
	}
	depth, err := NewDepthModel(paths.Depth, b)
	if err != nil {
		seg.Close()
		return err
	}
	if err := testProviders(seg, depth); err != nil {
		seg.Close()
		depth.Close()
		return errors.Wrapf(err, "%s test inference", b.name)
	}

	pm.Close()
	pm.segmenter, pm.depth = seg, depth
	pm.info = b.info()
	return nil
}

// Segmenter returns the active sky segmenter.
func (pm *ProviderManager) Segmenter() SkySegmenter {
	return pm.segmenter
}

// DepthEstimator returns the active depth estimator.
func (pm *ProviderManager) DepthEstimator() DepthEstimator {
	return pm.depth
}

// Info returns information about the active backend.
func (pm *ProviderManager) Info() ProviderInfo {
	return pm.info
}

// Close releases both networks.
func (pm *ProviderManager) Close() error {
	if pm.segmenter != nil {
		pm.segmenter.Close()
		pm.segmenter = nil
	}
	if pm.depth != nil {
		pm.depth.Close()
		pm.depth = nil
	}
	return nil
}

// hasGPUCapability checks if CUDA inference is possible
func hasGPUCapability() bool {
	// Check 1: NVIDIA GPU present
	if !hasNVIDIAGPU() {
		return false
	}
	// Check 2: NVIDIA drivers loaded
	// CUDA itself is verified by the test inference during initialization
	return hasNVIDIADriver()
}

// hasNVIDIAGPU checks if NVIDIA GPU is present
func hasNVIDIAGPU() bool {
	output, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(output)), "nvidia")
}

// hasNVIDIADriver checks if NVIDIA drivers are loaded
func hasNVIDIADriver() bool {
	if err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}

// testProviders runs both networks once on a small blank frame.
func testProviders(seg SkySegmenter, depth DepthEstimator) error {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 64, 64, gocv.MatTypeCV32FC3)
	defer frame.Close()

	mask, err := seg.Segment(frame)
	if err != nil {
		return err
	}
	mask.Close()

	d, err := depth.Estimate(frame)
	if err != nil {
		return err
	}
	d.Close()
	return nil
}

type nopLogger struct{}

func (nopLogger) Debugf(string, string, ...interface{}) {}
