// Package pipeline drives label extraction over whole videos: stride pair
// sampling, frame preprocessing, sky/depth inference, the tracker, stage
// statistics and the bounded pool of per-video workers.
package pipeline

// PairRole is what a decoded frame is used for.
type PairRole int

const (
	// RoleSkip frames are decoded and dropped.
	RoleSkip PairRole = iota
	// RolePrevious frames open a pair.
	RolePrevious
	// RoleCurrent frames close a pair; their index keys the sample.
	RoleCurrent
)

func (r PairRole) String() string {
	switch r {
	case RolePrevious:
		return "previous"
	case RoleCurrent:
		return "current"
	default:
		return "skip"
	}
}

// RoleOf classifies frame idx for the given stride: frame k·stride is the
// previous frame of a pair and k·stride+1 the current one.
func RoleOf(idx, stride int) PairRole {
	if stride < 2 {
		stride = 2
	}
	switch idx % stride {
	case 0:
		return RolePrevious
	case 1:
		return RoleCurrent
	default:
		return RoleSkip
	}
}
