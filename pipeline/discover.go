package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"skymotion/dataset"
)

var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
}

// DiscoverVideos lists the videos under dir/Train and dir/Val. A missing
// split folder is not an error.
func DiscoverVideos(dir string) ([]VideoJob, error) {
	var jobs []VideoJob
	for _, split := range dataset.Splits {
		splitDir := filepath.Join(dir, string(split))
		entries, err := os.ReadDir(splitDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", splitDir)
		}

		var names []string
		for _, e := range entries {
			if e.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			jobs = append(jobs, VideoJob{Path: filepath.Join(splitDir, name), Split: split})
		}
	}
	return jobs, nil
}
