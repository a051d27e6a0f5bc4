package motion

// NormalizeMasked min-max scales values to [0,1] over the pixels where mask
// is non-zero. Pixels outside the mask are zero in the result. An empty mask
// yields all zeros; a constant masked region maps to one.
func NormalizeMasked(values []float32, mask []uint8) []float32 {
	out := make([]float32, len(values))
	n := len(values)
	if len(mask) < n {
		n = len(mask)
	}

	found := false
	var lo, hi float32
	for i := 0; i < n; i++ {
		if mask[i] == 0 {
			continue
		}
		v := values[i]
		if !found {
			lo, hi, found = v, v, true
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !found {
		return out
	}

	span := hi - lo
	for i := 0; i < n; i++ {
		if mask[i] == 0 {
			continue
		}
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (values[i] - lo) / span
	}
	return out
}

// WeightFlowByDepth fuses a dense flow field with depth into an interleaved
// (flow-x, flow-y, depth) tensor. Flow is zeroed outside mask, depth is
// normalized over the mask with NormalizeMasked and flow-x is scaled by it.
// All inputs are row-major with one entry per pixel.
func WeightFlowByDepth(flowX, flowY, depth []float32, mask []uint8) []float32 {
	norm := NormalizeMasked(depth, mask)
	out := make([]float32, 3*len(norm))
	for i, d := range norm {
		if i < len(mask) && mask[i] != 0 && i < len(flowX) && i < len(flowY) {
			out[3*i] = flowX[i] * d
			out[3*i+1] = flowY[i]
		}
		out[3*i+2] = d
	}
	return out
}
