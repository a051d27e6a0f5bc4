package motion

import "fmt"

// Label is the motion target persisted next to each flow/depth tensor.
// Degenerate labels (insufficient tracking signal) are all-zero with Valid
// unset; every exit path produces this one shape.
type Label struct {
	DX       float64
	DY       float64
	Rotation float64 // degrees
	Valid    bool
}

// ZeroLabel is the degenerate "no motion assumed" label.
func ZeroLabel() Label {
	return Label{}
}

// Vector returns (dx, dy, rotation) in persistence order.
func (l Label) Vector() []float64 {
	return []float64{l.DX, l.DY, l.Rotation}
}

func (l Label) String() string {
	return fmt.Sprintf("dx=%.3f dy=%.3f rot=%.3f° valid=%t", l.DX, l.DY, l.Rotation, l.Valid)
}
