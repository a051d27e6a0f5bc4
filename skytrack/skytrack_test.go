package skytrack

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"skymotion/dataset"
	"skymotion/motion"
)

type recordingSink struct {
	records []dataset.Record
	err     error
}

func (s *recordingSink) Write(_ context.Context, rec dataset.Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func filled(rows, cols int, v float64, mt gocv.MatType) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), rows, cols, mt)
}

// texturedFrame draws a fixed random set of bright blocks, offset by dx,
// and returns it as a float RGB frame in [0,1].
func texturedFrame(size, dx int) gocv.Mat {
	img := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer img.Close()
	img.SetTo(gocv.NewScalar(20, 20, 20, 0))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		x := 8 + rng.Intn(size-30)
		y := 8 + rng.Intn(size-20)
		w := 4 + rng.Intn(5)
		h := 4 + rng.Intn(5)
		v := uint8(120 + rng.Intn(135))
		gocv.Rectangle(&img, image.Rect(x+dx, y, x+dx+w, y+h), color.RGBA{R: v, G: v, B: v, A: 255}, -1)
	}

	out := gocv.NewMat()
	img.ConvertToWithParams(&out, gocv.MatTypeCV32FC3, 1.0/255, 0)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JitterProbability = 0
	// 30px spacing leaves fewer than MinSurvivors corners in a 100×100 frame
	cfg.MinDistance = 5
	return cfg
}

func shiftStep(size, dx int) (Step, func()) {
	prev := texturedFrame(size, 0)
	curr := texturedFrame(size, dx)
	sky := filled(size, size, 1, gocv.MatTypeCV32F)
	depth := filled(size, size, 1, gocv.MatTypeCV32F)
	step := Step{
		Key:       dataset.Key{Video: "synthetic", Frame: 1, Split: dataset.SplitTrain},
		PrevFrame: prev, Frame: curr, SkyMask: sky, Depth: depth,
	}
	return step, func() {
		prev.Close()
		curr.Close()
		sky.Close()
		depth.Close()
	}
}

func TestTrackRecoversHorizontalShift(t *testing.T) {
	prev := texturedFrame(100, 0)
	defer prev.Close()
	curr := texturedFrame(100, 5)
	defer curr.Close()
	sky := filled(100, 100, 1, gocv.MatTypeCV32F)
	defer sky.Close()
	depth := filled(100, 100, 1, gocv.MatTypeCV32F)
	defer depth.Close()

	sink := &recordingSink{}
	tr := NewTracker(testConfig(), sink, rand.New(rand.NewSource(1)), nil)
	key := dataset.Key{Video: "synthetic", Frame: 1, Split: dataset.SplitTrain}

	res, err := tr.Track(context.Background(), Step{Key: key, PrevFrame: prev, Frame: curr, SkyMask: sky, Depth: depth})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.GreaterOrEqual(t, res.Survivors, 10)
	assert.True(t, res.Label.Valid)
	assert.InDelta(t, 5, res.Label.DX, 0.5)
	assert.InDelta(t, 0, res.Label.DY, 0.5)
	assert.InDelta(t, 0, res.Label.Rotation, 0.5)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, []int{100, 100, 3}, rec.Flow.Shape)
	assert.Equal(t, res.Label, rec.Label)
	assert.Equal(t, string(OutcomeSuccess), rec.Outcome)
}

func TestTrackSmallSkyPersistsNothing(t *testing.T) {
	frame := texturedFrame(60, 0)
	defer frame.Close()
	sky := filled(60, 60, 0.01, gocv.MatTypeCV32F)
	defer sky.Close()
	depth := filled(60, 60, 1, gocv.MatTypeCV32F)
	defer depth.Close()

	sink := &recordingSink{}
	tr := NewTracker(testConfig(), sink, nil, nil)
	res, err := tr.Track(context.Background(), Step{PrevFrame: frame, Frame: frame, SkyMask: sky, Depth: depth})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSmallSky, res.Outcome)
	assert.Equal(t, motion.ZeroLabel(), res.Label)
	assert.False(t, res.Persisted)
	assert.Empty(t, sink.records)
}

func TestTrackNoFeaturesStillPersistsTensor(t *testing.T) {
	flat := filled(60, 80, 0.5, gocv.MatTypeCV32FC3)
	defer flat.Close()
	sky := filled(60, 80, 1, gocv.MatTypeCV32F)
	defer sky.Close()
	depth := filled(60, 80, 1, gocv.MatTypeCV32F)
	defer depth.Close()

	sink := &recordingSink{}
	tr := NewTracker(testConfig(), sink, nil, nil)
	res, err := tr.Track(context.Background(), Step{
		Key:       dataset.Key{Video: "flat", Frame: 31, Split: dataset.SplitVal},
		PrevFrame: flat, Frame: flat, SkyMask: sky, Depth: depth,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoFeatures, res.Outcome)
	assert.True(t, res.Persisted)
	require.Len(t, sink.records, 1)
	assert.Equal(t, motion.ZeroLabel(), sink.records[0].Label)
	assert.Equal(t, []int{60, 80, 3}, sink.records[0].Flow.Shape)
	assert.Equal(t, string(OutcomeNoFeatures), sink.records[0].Outcome)
}

func TestTrackFewSurvivorsStillPersistsTensor(t *testing.T) {
	step, done := shiftStep(100, 5)
	defer done()

	cfg := testConfig()
	cfg.MinSurvivors = 1000
	sink := &recordingSink{}
	res, err := NewTracker(cfg, sink, nil, nil).Track(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFewSurvivors, res.Outcome)
	assert.Greater(t, res.Survivors, 0)
	assert.Equal(t, motion.ZeroLabel(), res.Label)
	assert.True(t, res.Persisted)

	require.Len(t, sink.records, 1)
	assert.Equal(t, []int{100, 100, 3}, sink.records[0].Flow.Shape)
	assert.Equal(t, motion.ZeroLabel(), sink.records[0].Label)
	assert.Equal(t, string(OutcomeFewSurvivors), sink.records[0].Outcome)
}

// jitterSeed returns a seed whose first draw rotates by a non-zero angle.
func jitterSeed(t *testing.T, maxTenths int) int64 {
	for seed := int64(1); seed < 100; seed++ {
		if deg, ok := drawJitter(rand.New(rand.NewSource(seed)), 1, maxTenths); ok && deg != 0 {
			return seed
		}
	}
	t.Fatal("no jittering seed found")
	return 0
}

func TestJitterLeavesTensorUntouched(t *testing.T) {
	step, done := shiftStep(100, 5)
	defer done()

	plain := &recordingSink{}
	_, err := NewTracker(testConfig(), plain, nil, nil).Track(context.Background(), step)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.JitterProbability = 1
	jittered := &recordingSink{}
	rng := rand.New(rand.NewSource(jitterSeed(t, cfg.JitterMaxTenths)))
	res, err := NewTracker(cfg, jittered, rng, nil).Track(context.Background(), step)
	require.NoError(t, err)
	assert.NotZero(t, res.JitterDegrees)

	require.Len(t, plain.records, 1)
	require.Len(t, jittered.records, 1)
	assert.Equal(t, plain.records[0].Flow, jittered.records[0].Flow)
}

func TestDetectFeaturesIgnoresCornersOutsideMask(t *testing.T) {
	const size = 80
	gray := filled(size, size, 100, gocv.MatTypeCV8U)
	defer gray.Close()

	// faint sky texture on top, a hard checkerboard below
	faint := color.RGBA{R: 103, G: 103, B: 103, A: 255}
	for _, y := range []int{6, 20} {
		for _, x := range []int{8, 28, 48, 68} {
			gocv.Rectangle(&gray, image.Rect(x, y, x+6, y+6), faint, -1)
		}
	}
	for y := size / 2; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x/8+y/8)%2 == 0 {
				gray.SetUCharAt(y, x, 0)
			} else {
				gray.SetUCharAt(y, x, 255)
			}
		}
	}

	mask := filled(size, size, 0, gocv.MatTypeCV8U)
	defer mask.Close()
	for y := 0; y < 32; y++ {
		for x := 0; x < size; x++ {
			mask.SetUCharAt(y, x, 255)
		}
	}

	cfg := DefaultConfig()
	pts := detectFeatures(gray, mask, cfg)
	require.NotEmpty(t, pts)
	for i, p := range pts {
		assert.Less(t, p.Y, 32.0, "corner %v outside the sky", p)
		for _, q := range pts[:i] {
			assert.GreaterOrEqual(t, p.Sub(q).Norm(), cfg.MinDistance)
		}
	}
}

func TestSelectCorners(t *testing.T) {
	const rows, cols = 10, 40
	resp := make([]float32, rows*cols)
	mask := make([]uint8, rows*cols)
	for i := range mask {
		mask[i] = 255
	}
	set := func(x, y int, v float32) { resp[y*cols+x] = v }
	set(5, 5, 10)
	set(8, 5, 9)     // too close to the strongest
	set(20, 5, 1)    // faint but above 1%
	set(30, 5, 0.05) // below 1%
	set(35, 5, 1000)
	mask[5*cols+35] = 0 // strong but masked out

	cfg := DefaultConfig()
	cfg.MinDistance = 5
	pts := selectCorners(resp, mask, rows, cols, cfg)
	assert.Equal(t, []motion.Point{{X: 5, Y: 5}, {X: 20, Y: 5}}, pts)

	cfg.MaxCorners = 1
	assert.Len(t, selectCorners(resp, mask, rows, cols, cfg), 1)

	none := make([]uint8, rows*cols)
	assert.Empty(t, selectCorners(resp, none, rows, cols, cfg))
}

func TestTrackErrors(t *testing.T) {
	frame := texturedFrame(50, 0)
	defer frame.Close()
	sky := filled(50, 50, 1, gocv.MatTypeCV32F)
	defer sky.Close()
	wrong := filled(40, 50, 1, gocv.MatTypeCV32F)
	defer wrong.Close()
	depth := filled(50, 50, 1, gocv.MatTypeCV32F)
	defer depth.Close()

	t.Run("mismatched depth", func(t *testing.T) {
		tr := NewTracker(testConfig(), &recordingSink{}, nil, nil)
		_, err := tr.Track(context.Background(), Step{PrevFrame: frame, Frame: frame, SkyMask: sky, Depth: wrong})
		assert.Error(t, err)
	})

	t.Run("sink failure surfaces", func(t *testing.T) {
		flat := filled(50, 50, 0.5, gocv.MatTypeCV32FC3)
		defer flat.Close()
		sink := &recordingSink{err: assert.AnError}
		tr := NewTracker(testConfig(), sink, nil, nil)
		res, err := tr.Track(context.Background(), Step{PrevFrame: flat, Frame: flat, SkyMask: sky, Depth: depth})
		assert.ErrorIs(t, err, assert.AnError)
		assert.False(t, res.Persisted)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tr := NewTracker(testConfig(), &recordingSink{}, nil, nil)
		_, err := tr.Track(ctx, Step{PrevFrame: frame, Frame: frame, SkyMask: sky, Depth: depth})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBuildFlowDepth(t *testing.T) {
	const rows, cols = 40, 40
	gray := filled(rows, cols, 128, gocv.MatTypeCV8U)
	defer gray.Close()
	foreground := filled(rows, cols, 255, gocv.MatTypeCV8U)
	defer foreground.Close()

	// left half near, right half far with a ramp from 0.8 to 1.0
	depth := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	defer depth.Close()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := float32(0.5)
			if x >= cols/2 {
				v = 0.8 + 0.2*float32(x-cols/2)/float32(cols/2-1)
			}
			depth.SetFloatAt(y, x, v)
		}
	}

	out, err := BuildFlowDepth(gray, gray, foreground, depth, DefaultFlowConfig())
	require.NoError(t, err)
	defer out.Close()
	require.Equal(t, gocv.MatTypeCV32FC3, out.Type())

	tensor, err := TensorFromMat(out)
	require.NoError(t, err)
	require.Equal(t, []int{rows, cols, 3}, tensor.Shape)

	at := func(y, x, c int) float32 { return tensor.Data[(y*cols+x)*3+c] }
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			assert.InDelta(t, 0, at(y, x, 0), 1e-4, "flow-x at %d,%d", x, y)
			assert.InDelta(t, 0, at(y, x, 1), 1e-4, "flow-y at %d,%d", x, y)
			d := at(y, x, 2)
			if x < cols/2 {
				assert.Zero(t, d, "near pixel %d,%d", x, y)
				continue
			}
			assert.GreaterOrEqual(t, d, float32(0))
			assert.LessOrEqual(t, d, float32(1))
		}
	}
	assert.InDelta(t, 0, at(rows/2, cols/2, 2), 1e-5)
	assert.InDelta(t, 1, at(rows/2, cols-1, 2), 1e-5)

	t.Run("size mismatch", func(t *testing.T) {
		small := filled(rows/2, cols, 1, gocv.MatTypeCV32F)
		defer small.Close()
		_, err := BuildFlowDepth(gray, gray, foreground, small, DefaultFlowConfig())
		assert.Error(t, err)
	})

	t.Run("empty foreground gives zeros", func(t *testing.T) {
		none := filled(rows, cols, 0, gocv.MatTypeCV8U)
		defer none.Close()
		out, err := BuildFlowDepth(gray, gray, none, depth, DefaultFlowConfig())
		require.NoError(t, err)
		defer out.Close()
		tensor, err := TensorFromMat(out)
		require.NoError(t, err)
		for _, v := range tensor.Data {
			require.Zero(t, v)
		}
	})
}

func TestBuildFlowDepthWeightsFlowX(t *testing.T) {
	const size = 60
	prevRGB := texturedFrame(size, 0)
	defer prevRGB.Close()
	currRGB := texturedFrame(size, 3)
	defer currRGB.Close()
	prev := toGray(prevRGB)
	defer prev.Close()
	curr := toGray(currRGB)
	defer curr.Close()

	foreground := filled(size, size, 255, gocv.MatTypeCV8U)
	defer foreground.Close()
	uniform := filled(size, size, 1, gocv.MatTypeCV32F)
	defer uniform.Close()
	ramp := gocv.NewMatWithSize(size, size, gocv.MatTypeCV32F)
	defer ramp.Close()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			ramp.SetFloatAt(y, x, 0.85+0.15*float32(y)/float32(size-1))
		}
	}

	tensorOf := func(depth gocv.Mat) dataset.Tensor {
		out, err := BuildFlowDepth(prev, curr, foreground, depth, DefaultFlowConfig())
		require.NoError(t, err)
		defer out.Close()
		tensor, err := TensorFromMat(out)
		require.NoError(t, err)
		return tensor
	}
	raw := tensorOf(uniform)
	weighted := tensorOf(ramp)

	var moving int
	for i := 0; i < size*size; i++ {
		rx, ry, inside := raw.Data[3*i], raw.Data[3*i+1], raw.Data[3*i+2]
		wx, wy, d := weighted.Data[3*i], weighted.Data[3*i+1], weighted.Data[3*i+2]
		if inside == 0 {
			assert.Zero(t, wx)
			assert.Zero(t, wy)
			continue
		}
		if rx > 1 {
			moving++
		}
		assert.InDelta(t, rx*d, wx, 1e-4, "flow-x at %d", i)
		assert.LessOrEqual(t, abs32(wx), abs32(rx)+1e-6)
		assert.Equal(t, ry, wy, "flow-y at %d", i)
	}
	assert.Greater(t, moving, 0, "shifted pair must produce horizontal flow")
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestThresholdMasks(t *testing.T) {
	src := gocv.NewMatWithSize(1, 4, gocv.MatTypeCV32F)
	defer src.Close()
	for i, v := range []float32{0.49, 0.5, 0.99, 0.995} {
		src.SetFloatAt(0, i, v)
	}

	lo := below(src, 0.5)
	defer lo.Close()
	hi := above(src, 0.99)
	defer hi.Close()
	ge := atLeast(src, 0.5)
	defer ge.Close()

	got := func(m gocv.Mat) []uint8 {
		out := make([]uint8, m.Cols())
		for i := range out {
			out[i] = m.GetUCharAt(0, i)
		}
		return out
	}
	assert.Equal(t, []uint8{255, 0, 0, 0}, got(lo))
	assert.Equal(t, []uint8{0, 0, 0, 255}, got(hi))
	assert.Equal(t, []uint8{0, 255, 255, 255}, got(ge))
}

func TestErodeKernel(t *testing.T) {
	assert.Equal(t, 24, erodeKernel(480, 0.05))
	assert.Equal(t, 5, erodeKernel(100, 0.05))
	assert.Equal(t, 1, erodeKernel(10, 0.05))
}

func TestDrawJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		deg, ok := drawJitter(rng, 1, 30)
		require.True(t, ok)
		assert.GreaterOrEqual(t, deg, -3.0)
		assert.LessOrEqual(t, deg, 3.0)
	}
	for i := 0; i < 200; i++ {
		_, ok := drawJitter(rng, 0, 30)
		require.False(t, ok)
	}
	_, ok := drawJitter(nil, 1, 30)
	assert.False(t, ok)

	// the same seed replays the same decisions
	a, b := rand.New(rand.NewSource(9)), rand.New(rand.NewSource(9))
	for i := 0; i < 50; i++ {
		da, oka := drawJitter(a, 0.05, 30)
		db, okb := drawJitter(b, 0.05, 30)
		require.Equal(t, oka, okb)
		require.Equal(t, da, db)
	}
}

func TestRefineSkyMask(t *testing.T) {
	frame := texturedFrame(64, 0)
	defer frame.Close()

	for _, level := range []float64{0, 0.5, 1} {
		mask := filled(64, 64, level, gocv.MatTypeCV32F)
		out, err := RefineSkyMask(frame, mask, DefaultGuidedRadius, DefaultGuidedEps)
		mask.Close()
		require.NoError(t, err)
		assert.Equal(t, gocv.MatTypeCV32F, out.Type())
		assert.InDelta(t, level, out.Mean().Val1, 1e-3, "constant mask %.1f", level)
		min, max, _, _ := gocv.MinMaxLoc(out)
		assert.GreaterOrEqual(t, min, float32(0))
		assert.LessOrEqual(t, max, float32(1))
		out.Close()
	}

	gray := filled(64, 64, 0.5, gocv.MatTypeCV32F)
	defer gray.Close()
	_, err := RefineSkyMask(gray, gray, DefaultGuidedRadius, DefaultGuidedEps)
	assert.Error(t, err)
}
