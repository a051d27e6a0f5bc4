// Package dataset owns the on-disk training set: the output tree, file
// naming, .npy persistence of flow/depth tensors and motion labels, the
// SQLite manifest and the sample loader.
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Split is a dataset partition.
type Split string

const (
	SplitTrain Split = "Train"
	SplitVal   Split = "Val"
)

// Splits lists every partition in output order.
var Splits = []Split{SplitTrain, SplitVal}

// ParseSplit accepts a split name case-insensitively.
func ParseSplit(s string) (Split, error) {
	for _, sp := range Splits {
		if strings.EqualFold(s, string(sp)) {
			return sp, nil
		}
	}
	return "", errors.Errorf("unknown split %q (want Train or Val)", s)
}

// Key identifies one sample. Frame is the index of the current frame of the
// pair. Two videos that share a frame index never collide because the video
// basename is part of every file name.
type Key struct {
	Video string
	Frame int
	Split Split
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Split, k.Video, k.Frame)
}

// FlowName is the tensor file name, e.g. clip01_flow_31.npy.
func (k Key) FlowName() string {
	return fmt.Sprintf("%s_flow_%d.npy", k.Video, k.Frame)
}

// LabelName is the label file name, e.g. clip01_dxdyda_31.npy.
func (k Key) LabelName() string {
	return fmt.Sprintf("%s_dxdyda_%d.npy", k.Video, k.Frame)
}

// VideoBasename strips directories and the extension from a video path.
func VideoBasename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
