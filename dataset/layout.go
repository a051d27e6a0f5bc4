package dataset

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	flowDir     = "flow"
	labelDir    = "dxdyda"
	manifestDB  = "manifest.db"
	dirPerm     = 0o755
	tempPattern = ".tmp-*"
)

// Layout resolves paths inside an output root:
//
//	<root>/flow/{Train,Val}/<video>_flow_<idx>.npy
//	<root>/dxdyda/{Train,Val}/<video>_dxdyda_<idx>.npy
//	<root>/manifest.db
type Layout struct {
	Root string

	once    sync.Once
	initErr error
}

// NewLayout returns a layout rooted at root. Nothing is created until Ensure.
func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

// Ensure creates the output tree once. It is safe to call from many
// goroutines and tolerates directories that already exist.
func (l *Layout) Ensure() error {
	l.once.Do(func() {
		for _, kind := range []string{flowDir, labelDir} {
			for _, sp := range Splits {
				dir := filepath.Join(l.Root, kind, string(sp))
				if err := os.MkdirAll(dir, dirPerm); err != nil {
					l.initErr = errors.Wrapf(err, "creating %s", dir)
					return
				}
			}
		}
	})
	return l.initErr
}

// FlowPath is where the tensor of k lives.
func (l *Layout) FlowPath(k Key) string {
	return filepath.Join(l.Root, flowDir, string(k.Split), k.FlowName())
}

// LabelPath is where the label of k lives.
func (l *Layout) LabelPath(k Key) string {
	return filepath.Join(l.Root, labelDir, string(k.Split), k.LabelName())
}

// ManifestPath is the SQLite manifest location.
func (l *Layout) ManifestPath() string {
	return filepath.Join(l.Root, manifestDB)
}

// writeAtomic writes through a temp file in the destination directory and
// renames it into place, so readers never see a half-written sample.
func writeAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = write(tmp); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmpName)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "renaming %s", tmpName)
	}
	return nil
}
