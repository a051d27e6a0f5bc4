// Package motion contains the geometric and statistical pieces of the motion
// label pipeline: point correspondences, outlier rejection, the partial
// (translation + rotation) transform fit and depth normalization.
//
// Nothing in this package touches OpenCV; callers convert tracked points
// into Points before handing them over.
package motion

import (
	"github.com/golang/geo/r2"
)

// Point is a sub-pixel image coordinate.
type Point = r2.Point

// Correspondence pairs a feature in the previous frame with its tracked
// position in the current frame.
type Correspondence struct {
	Prev  Point
	Curr  Point
	Valid bool // tracker reported a usable match
}

// SplitValid returns the previous and current points of every valid
// correspondence, in input order.
func SplitValid(corrs []Correspondence) (prev, curr []Point) {
	prev = make([]Point, 0, len(corrs))
	curr = make([]Point, 0, len(corrs))
	for _, c := range corrs {
		if !c.Valid {
			continue
		}
		prev = append(prev, c.Prev)
		curr = append(curr, c.Curr)
	}
	return prev, curr
}

// pairCount is the number of usable pairs when the two sides disagree in length.
func pairCount(prev, curr []Point) int {
	if len(prev) < len(curr) {
		return len(prev)
	}
	return len(curr)
}
