package skytrack

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"skymotion/dataset"
	"skymotion/motion"
)

// BuildFlowDepth computes dense Farnebäck flow between two 8-bit grayscale
// frames and fuses it with depth over the foreground region:
//
//   - foreground is eroded with a square kernel sized from the frame height
//   - foreground pixels with depth below cfg.DepthThreshold are dropped
//   - flow and depth are zeroed outside the refined mask
//   - depth is min-max normalized over the mask and scales flow-x
//
// The result is a CV_32FC3 Mat (flow-x, flow-y, depth) owned by the caller.
// foreground is any 8-bit mask (non-zero = foreground) and is not modified.
func BuildFlowDepth(prevGray, currGray, foreground, depth gocv.Mat, cfg FlowConfig) (gocv.Mat, error) {
	if err := sameSize(prevGray, map[string]gocv.Mat{
		"current frame": currGray,
		"foreground":    foreground,
		"depth":         depth,
	}); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "flow inputs")
	}
	rows, cols := prevGray.Rows(), prevGray.Cols()

	flow := gocv.NewMat()
	defer flow.Close()
	gocv.CalcOpticalFlowFarneback(prevGray, currGray, &flow,
		cfg.PyrScale, cfg.Levels, cfg.WinSize, cfg.Iterations, cfg.PolyN, cfg.PolySigma, 0)

	depth32 := gocv.NewMat()
	defer depth32.Close()
	depth.ConvertTo(&depth32, gocv.MatTypeCV32F)

	mask := refineForeground(foreground, depth32, cfg)
	defer mask.Close()

	flowXY, err := flow.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "reading flow")
	}
	depthData, err := depth32.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "reading depth")
	}
	maskData, err := mask.DataPtrUint8()
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "reading mask")
	}

	n := rows * cols
	flowX := make([]float32, n)
	flowY := make([]float32, n)
	for i := 0; i < n; i++ {
		flowX[i] = flowXY[2*i]
		flowY[i] = flowXY[2*i+1]
	}
	fused := motion.WeightFlowByDepth(flowX, flowY, depthData, maskData)

	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32FC3)
	dst, err := out.DataPtrFloat32()
	if err != nil {
		out.Close()
		return gocv.NewMat(), errors.Wrap(err, "allocating flow tensor")
	}
	copy(dst, fused)
	return out, nil
}

// refineForeground erodes the foreground and keeps only far pixels.
func refineForeground(foreground, depth32 gocv.Mat, cfg FlowConfig) gocv.Mat {
	fg := toMask(foreground)
	erodeSquare(&fg, erodeKernel(fg.Rows(), cfg.ErodeFraction))

	far := atLeast(depth32, cfg.DepthThreshold)
	defer far.Close()

	out := gocv.NewMat()
	gocv.BitwiseAnd(fg, far, &out)
	fg.Close()
	return out
}

// TensorFromMat copies a multi-channel float Mat into an H×W×C tensor.
func TensorFromMat(m gocv.Mat) (dataset.Tensor, error) {
	if m.Empty() {
		return dataset.Tensor{}, errors.New("empty tensor mat")
	}
	src := m
	if m.Type()&0x7 != gocv.MatTypeCV32F {
		conv := gocv.NewMat()
		defer conv.Close()
		m.ConvertTo(&conv, gocv.MatTypeCV32F)
		src = conv
	}
	if !src.IsContinuous() {
		cont := src.Clone()
		defer cont.Close()
		src = cont
	}
	data, err := src.DataPtrFloat32()
	if err != nil {
		return dataset.Tensor{}, errors.Wrap(err, "reading tensor mat")
	}
	return dataset.Tensor{
		Shape: []int{src.Rows(), src.Cols(), src.Channels()},
		Data:  append([]float32(nil), data...),
	}, nil
}
