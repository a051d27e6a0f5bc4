package inference

import (
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Backend is an OpenCV DNN backend/target pair.
type Backend struct {
	name    string
	backend gocv.NetBackendType
	target  gocv.NetTargetType
}

var (
	BackendCUDA = Backend{name: "GPU", backend: gocv.NetBackendCUDA, target: gocv.NetTargetCUDA}
	BackendCPU  = Backend{name: "CPU", backend: gocv.NetBackendDefault, target: gocv.NetTargetCPU}
)

func (b Backend) info() ProviderInfo {
	if b == BackendCUDA {
		return ProviderInfo{Type: "GPU", Backend: "OpenCV CUDA", Device: "NVIDIA GPU"}
	}
	return ProviderInfo{Type: "CPU", Backend: "OpenCV CPU", Device: "CPU"}
}

// blobParams is the network input convention: (pixel - mean) * scale at size.
type blobParams struct {
	size  image.Point
	scale float64
	mean  float64
}

// netModel is one loaded network guarded by a mutex.
type netModel struct {
	net    gocv.Net
	params blobParams
	mu     sync.Mutex
}

func loadNet(path string, b Backend, params blobParams) (*netModel, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "locating network")
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return nil, errors.Errorf("failed to load network from %s", path)
	}
	if err := net.SetPreferableBackend(b.backend); err != nil {
		net.Close()
		return nil, errors.Wrapf(err, "selecting %s backend", b.name)
	}
	if err := net.SetPreferableTarget(b.target); err != nil {
		net.Close()
		return nil, errors.Wrapf(err, "selecting %s target", b.name)
	}
	return &netModel{net: net, params: params}, nil
}

// forward runs the network on an RGB float frame and returns its first
// output plane resized to the frame, as CV_32FC1.
func (m *netModel) forward(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), errors.New("empty frame")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mean := m.params.mean
	blob := gocv.BlobFromImage(frame, m.params.scale, m.params.size,
		gocv.NewScalar(mean, mean, mean, 0), false, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()

	plane, err := outputToMat(output)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer plane.Close()

	out := gocv.NewMat()
	gocv.Resize(plane, &out, image.Pt(frame.Cols(), frame.Rows()), 0, 0, gocv.InterpolationLinear)
	return out, nil
}

func (m *netModel) Close() error {
	return m.net.Close()
}

// outputToMat copies the first H×W plane of an N-D network output into a
// 2-D CV_32FC1 Mat. The last two dimensions are taken as height and width.
func outputToMat(output gocv.Mat) (gocv.Mat, error) {
	dims := output.Size()
	if len(dims) < 2 {
		return gocv.NewMat(), errors.Errorf("unexpected network output shape %v", dims)
	}
	h, w := dims[len(dims)-2], dims[len(dims)-1]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "reading network output")
	}
	if len(data) < h*w {
		return gocv.NewMat(), errors.Errorf("network output has %d values, want %dx%d", len(data), h, w)
	}

	plane := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32F)
	dst, err := plane.DataPtrFloat32()
	if err != nil {
		plane.Close()
		return gocv.NewMat(), errors.Wrap(err, "allocating output plane")
	}
	copy(dst, data[:h*w])
	return plane, nil
}

// clipUnit limits m to [0,1] in place.
func clipUnit(m *gocv.Mat) {
	gocv.Threshold(*m, m, 1, 1, gocv.ThresholdTrunc)
	clampNonNegative(m)
}

// clampNonNegative zeroes negative values of m in place.
func clampNonNegative(m *gocv.Mat) {
	gocv.Threshold(*m, m, 0, 0, gocv.ThresholdToZero)
}
