package dataset

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"skymotion/motion"
)

// Record is one training sample ready for persistence.
type Record struct {
	Key       Key
	Flow      Tensor // H×W×3 flow-x, flow-y, depth
	Label     motion.Label
	Outcome   string
	Survivors int
}

// Writer persists records into a Layout and indexes them in the manifest.
// It is safe for concurrent use by several video workers.
type Writer struct {
	layout   *Layout
	manifest *Manifest
	runID    string
}

// NewWriter prepares the output tree. manifest may be nil, in which case
// only the .npy files are written.
func NewWriter(layout *Layout, manifest *Manifest, runID string) (*Writer, error) {
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	return &Writer{layout: layout, manifest: manifest, runID: runID}, nil
}

// Write stores the tensor and the label of rec, each atomically, then
// records the pair in the manifest.
func (w *Writer) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.layout.Ensure(); err != nil {
		return err
	}

	flowPath := w.layout.FlowPath(rec.Key)
	if err := writeAtomic(flowPath, func(f *os.File) error {
		return writeTensorNPY(f, rec.Flow)
	}); err != nil {
		return errors.Wrapf(err, "persisting flow for %s", rec.Key)
	}

	labelPath := w.layout.LabelPath(rec.Key)
	if err := writeAtomic(labelPath, func(f *os.File) error {
		return writeLabelNPY(f, rec.Label)
	}); err != nil {
		return errors.Wrapf(err, "persisting label for %s", rec.Key)
	}

	if w.manifest == nil {
		return nil
	}
	return w.manifest.Put(ctx, Entry{
		Key:       rec.Key,
		FlowPath:  flowPath,
		LabelPath: labelPath,
		DX:        rec.Label.DX,
		DY:        rec.Label.DY,
		Rotation:  rec.Label.Rotation,
		Valid:     rec.Label.Valid,
		Outcome:   rec.Outcome,
		Survivors: rec.Survivors,
		RunID:     w.runID,
	})
}
