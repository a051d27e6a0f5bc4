package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"skymotion/config"
	"skymotion/dataset"
	"skymotion/skytrack"
)

type sliceSource struct {
	frames []gocv.Mat
	next   int
	closed bool
}

func (s *sliceSource) Read(m *gocv.Mat) bool {
	if s.next >= len(s.frames) {
		return false
	}
	s.frames[s.next].CopyTo(m)
	s.next++
	return true
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func flatVideo(n, rows, cols int) []gocv.Mat {
	frames := make([]gocv.Mat, n)
	for i := range frames {
		frames[i] = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 120, 150, 0), rows, cols, gocv.MatTypeCV8UC3)
	}
	return frames
}

func closeAll(mats []gocv.Mat) {
	for _, m := range mats {
		m.Close()
	}
}

type constSky struct{ level float64 }

func (c constSky) Segment(frame gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(c.level, 0, 0, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV32F), nil
}

type constDepth struct{}

func (constDepth) Estimate(frame gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV32F), nil
}

type memorySink struct {
	mu      sync.Mutex
	records []dataset.Record
}

func (s *memorySink) Write(_ context.Context, rec dataset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func smallTuning() *config.TuningConfig {
	w, h, stride := 40, 30, 30
	return &config.TuningConfig{FrameWidth: &w, FrameHeight: &h, Stride: &stride}
}

func estimatorsOf(sky float64) EstimatorFactory {
	return func() (Estimators, func(), error) {
		return Estimators{Sky: constSky{level: sky}, Depth: constDepth{}}, func() {}, nil
	}
}

func TestRoleOf(t *testing.T) {
	tests := []struct {
		idx, stride int
		want        PairRole
	}{
		{0, 30, RolePrevious},
		{1, 30, RoleCurrent},
		{2, 30, RoleSkip},
		{29, 30, RoleSkip},
		{30, 30, RolePrevious},
		{31, 30, RoleCurrent},
		{4, 2, RolePrevious},
		{5, 2, RoleCurrent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoleOf(tt.idx, tt.stride), "idx=%d stride=%d", tt.idx, tt.stride)
	}
	assert.Equal(t, "current", RoleCurrent.String())
}

func TestPrepareFrame(t *testing.T) {
	bgr := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 51, 0), 60, 80, gocv.MatTypeCV8UC3)
	defer bgr.Close()

	out, err := PrepareFrame(bgr, image.Pt(40, 30))
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, gocv.MatTypeCV32FC3, out.Type())
	assert.Equal(t, 30, out.Rows())
	assert.Equal(t, 40, out.Cols())
	px := out.GetVecfAt(10, 10)
	assert.InDelta(t, 0.2, px[0], 1e-5) // red
	assert.InDelta(t, 0, px[1], 1e-5)
	assert.InDelta(t, 1, px[2], 1e-5) // blue

	_, err = PrepareFrame(gocv.NewMat(), image.Pt(40, 30))
	assert.Error(t, err)

	gray := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8U)
	defer gray.Close()
	_, err = PrepareFrame(gray, image.Pt(40, 30))
	assert.Error(t, err)
}

func TestProcessVideoSamplesPairs(t *testing.T) {
	frames := flatVideo(65, 60, 80)
	defer closeAll(frames)
	src := &sliceSource{frames: frames}

	sink := &memorySink{}
	r := NewRunner(Options{Tuning: smallTuning(), Seed: 3}, sink, estimatorsOf(1), nil)
	r.open = func(string) (FrameSource, error) { return src, nil }

	snap, err := r.ProcessVideo(context.Background(), VideoJob{Path: "/videos/Train/clip.mp4", Split: dataset.SplitTrain})
	require.NoError(t, err)
	assert.True(t, src.closed)
	assert.Equal(t, int64(65), snap.Decoded)
	assert.Equal(t, int64(3), snap.Pairs)
	assert.Equal(t, map[string]int{string(skytrack.OutcomeNoFeatures): 3}, snap.OutcomeCounts())

	require.Len(t, sink.records, 3)
	for i, want := range []int{1, 31, 61} {
		rec := sink.records[i]
		assert.Equal(t, dataset.Key{Video: "clip", Frame: want, Split: dataset.SplitTrain}, rec.Key)
		assert.Equal(t, []int{30, 40, 3}, rec.Flow.Shape)
		assert.False(t, rec.Label.Valid)
	}
}

func TestProcessVideoSmallSkyWritesNothing(t *testing.T) {
	frames := flatVideo(32, 30, 40)
	defer closeAll(frames)

	sink := &memorySink{}
	r := NewRunner(Options{Tuning: smallTuning()}, sink, estimatorsOf(0), nil)
	r.open = func(string) (FrameSource, error) { return &sliceSource{frames: frames}, nil }

	snap, err := r.ProcessVideo(context.Background(), VideoJob{Path: "v.mp4", Split: dataset.SplitVal})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Outcomes[skytrack.OutcomeSmallSky])
	assert.Empty(t, sink.records)
}

func TestProcessVideoErrors(t *testing.T) {
	t.Run("unopenable video", func(t *testing.T) {
		r := NewRunner(Options{Tuning: smallTuning()}, &memorySink{}, estimatorsOf(1), nil)
		r.open = func(path string) (FrameSource, error) { return nil, fmt.Errorf("no such video %s", path) }
		_, err := r.ProcessVideo(context.Background(), VideoJob{Path: "missing.mp4"})
		assert.ErrorContains(t, err, "no such video")
	})

	t.Run("model load failure", func(t *testing.T) {
		r := NewRunner(Options{Tuning: smallTuning()}, &memorySink{}, func() (Estimators, func(), error) {
			return Estimators{}, nil, fmt.Errorf("no onnx")
		}, nil)
		r.open = func(string) (FrameSource, error) { return &sliceSource{}, nil }
		_, err := r.ProcessVideo(context.Background(), VideoJob{Path: "clip.mp4"})
		assert.ErrorContains(t, err, "loading models for clip")
	})

	t.Run("cancelled", func(t *testing.T) {
		frames := flatVideo(3, 30, 40)
		defer closeAll(frames)
		r := NewRunner(Options{Tuning: smallTuning()}, &memorySink{}, estimatorsOf(1), nil)
		r.open = func(string) (FrameSource, error) { return &sliceSource{frames: frames}, nil }

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.ProcessVideo(ctx, VideoJob{Path: "clip.mp4"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestVideoSeedIsStable(t *testing.T) {
	assert.Equal(t, videoSeed(1, "a"), videoSeed(1, "a"))
	assert.NotEqual(t, videoSeed(1, "a"), videoSeed(1, "b"))
	assert.NotEqual(t, videoSeed(1, "a"), videoSeed(2, "a"))
}

func TestRunAll(t *testing.T) {
	var jobs []VideoJob
	for i := 0; i < 6; i++ {
		jobs = append(jobs, VideoJob{Path: fmt.Sprintf("v%d.mp4", i)})
	}

	var inFlight, peak, done int32
	err := RunAll(context.Background(), jobs, 2, func(_ context.Context, job VideoJob) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&done, 1)
		if job.Path == "v1.mp4" || job.Path == "v4.mp4" {
			return fmt.Errorf("%s failed", job.Path)
		}
		return nil
	})

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, int32(6), atomic.LoadInt32(&done), "failures must not stop siblings")
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	assert.NoError(t, RunAll(context.Background(), nil, 4, nil))
}

func TestDiscoverVideos(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Train"), 0o755))
	for _, name := range []string{"b.mp4", "a.MP4", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Train", name), nil, 0o644))
	}

	jobs, err := DiscoverVideos(dir)
	require.NoError(t, err)
	assert.Equal(t, []VideoJob{
		{Path: filepath.Join(dir, "Train", "a.MP4"), Split: dataset.SplitTrain},
		{Path: filepath.Join(dir, "Train", "b.mp4"), Split: dataset.SplitTrain},
	}, jobs)
}

func TestPipelineStatsSnapshot(t *testing.T) {
	ps := NewPipelineStats()
	assert.Equal(t, time.Duration(0), ps.Snapshot().AvgRead)

	ps.UpdateRead(10 * time.Millisecond)
	ps.UpdateRead(30 * time.Millisecond)
	ps.UpdateInference(8 * time.Millisecond)
	ps.UpdateStep(skytrack.Result{
		Outcome: skytrack.OutcomeSuccess,
		Timings: skytrack.StageTimings{Flow: 2 * time.Millisecond, Persist: 4 * time.Millisecond},
	}, 6*time.Millisecond)
	ps.UpdateStep(skytrack.Result{Outcome: skytrack.OutcomeNoTrack}, 2*time.Millisecond)

	snap := ps.Snapshot()
	assert.Equal(t, int64(2), snap.Decoded)
	assert.Equal(t, int64(2), snap.Pairs)
	assert.Equal(t, 20*time.Millisecond, snap.AvgRead)
	assert.Equal(t, 4*time.Millisecond, snap.AvgInference)
	assert.Equal(t, 4*time.Millisecond, snap.AvgTrack)
	assert.Equal(t, 2*time.Millisecond, snap.AvgPersist)
	assert.Equal(t, 2*time.Millisecond, snap.Stages.Flow)
	assert.Equal(t, map[string]int{"success": 1, "no_track": 1}, snap.OutcomeCounts())
	assert.Contains(t, snap.String(), "success=1")
}
