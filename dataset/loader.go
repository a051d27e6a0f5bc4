package dataset

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"skymotion/motion"
)

// Sample is a loaded (tensor, label) pair.
type Sample struct {
	Key   Key
	Flow  Tensor
	Label motion.Label
}

// Loader reads samples back in manifest order, so tensors and labels are
// always paired by key.
type Loader struct {
	manifest *Manifest
}

// NewLoader reads from manifest.
func NewLoader(manifest *Manifest) *Loader {
	return &Loader{manifest: manifest}
}

// Keys lists the sample keys of a split.
func (l *Loader) Keys(ctx context.Context, split Split) ([]Key, error) {
	entries, err := l.manifest.List(ctx, split)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Each loads every sample of split and hands it to fn, stopping at the
// first error.
func (l *Loader) Each(ctx context.Context, split Split, fn func(Sample) error) error {
	entries, err := l.manifest.List(ctx, split)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := loadEntry(e)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func loadEntry(e Entry) (Sample, error) {
	flow, err := ReadTensor(e.FlowPath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "loading flow of %s", e.Key)
	}
	label, err := ReadLabel(e.LabelPath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "loading label of %s", e.Key)
	}
	label.Valid = e.Valid
	return Sample{Key: e.Key, Flow: flow, Label: label}, nil
}

// AxisStats is the mean and standard deviation of one label component.
type AxisStats struct {
	Mean   float64
	StdDev float64
}

// Summary describes the labels of one split.
type Summary struct {
	Split    Split
	Samples  int
	Valid    int
	Outcomes map[string]int
	DX       AxisStats
	DY       AxisStats
	Rotation AxisStats
}

// Summarize computes label statistics over the valid samples of split,
// straight from the manifest without touching the tensors.
func (l *Loader) Summarize(ctx context.Context, split Split) (Summary, error) {
	entries, err := l.manifest.List(ctx, split)
	if err != nil {
		return Summary{}, err
	}
	outcomes, err := l.manifest.OutcomeCounts(ctx, split)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Split: split, Samples: len(entries), Outcomes: outcomes}
	var dx, dy, rot []float64
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		dx = append(dx, e.DX)
		dy = append(dy, e.DY)
		rot = append(rot, e.Rotation)
	}
	s.Valid = len(dx)
	s.DX = axisStats(dx)
	s.DY = axisStats(dy)
	s.Rotation = axisStats(rot)
	return s, nil
}

func axisStats(xs []float64) AxisStats {
	switch len(xs) {
	case 0:
		return AxisStats{}
	case 1:
		return AxisStats{Mean: xs[0]}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	return AxisStats{Mean: mean, StdDev: std}
}
