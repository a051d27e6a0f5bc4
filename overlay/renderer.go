// Package overlay saves debug renderings of tracking steps: the tracked
// sky correspondences drawn on the current frame and a colormapped view of
// the depth-weighted flow magnitude.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"skymotion/dataset"
	"skymotion/motion"
)

var (
	trackColor  = color.RGBA{0, 255, 0, 255}
	pointColor  = color.RGBA{0, 200, 255, 255}
	headerColor = color.RGBA{255, 255, 255, 255}
)

// Renderer writes JPEG overlays under a base directory, one subdirectory
// per split.
type Renderer struct {
	dir string
}

// NewRenderer creates a renderer writing below dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Render saves <video>_<frame>_tracks.jpg and <video>_<frame>_flow.jpg.
// frame is the RGB float current frame; flow is the CV_32FC3 flow/depth tensor.
func (r *Renderer) Render(key dataset.Key, frame, flow gocv.Mat, prev, curr []motion.Point) error {
	subdir := filepath.Join(r.dir, string(key.Split))
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", subdir)
	}
	base := filepath.Join(subdir, fmt.Sprintf("%s_%d", key.Video, key.Frame))

	tracks := toDisplay(frame)
	defer tracks.Close()
	DrawCorrespondences(&tracks, prev, curr)
	header := fmt.Sprintf("%s #%d  %d tracks", key.Video, key.Frame, len(curr))
	gocv.PutText(&tracks, header, image.Pt(10, 20), gocv.FontHersheySimplex, 0.5, headerColor, 1)
	if !gocv.IMWrite(base+"_tracks.jpg", tracks) {
		return errors.Errorf("failed to save %s_tracks.jpg", base)
	}

	if flow.Empty() {
		return nil
	}
	heat, err := FlowHeatmap(flow)
	if err != nil {
		return err
	}
	defer heat.Close()
	if !gocv.IMWrite(base+"_flow.jpg", heat) {
		return errors.Errorf("failed to save %s_flow.jpg", base)
	}
	return nil
}

// DrawCorrespondences draws a line from each previous point to its tracked
// position and marks the tracked position.
func DrawCorrespondences(img *gocv.Mat, prev, curr []motion.Point) {
	n := len(prev)
	if len(curr) < n {
		n = len(curr)
	}
	for i := 0; i < n; i++ {
		from := toPixel(prev[i])
		to := toPixel(curr[i])
		gocv.Line(img, from, to, trackColor, 1)
		gocv.Circle(img, to, 2, pointColor, -1)
	}
}

// FlowHeatmap colormaps the flow magnitude of a flow/depth tensor into an
// 8-bit BGR image.
func FlowHeatmap(flow gocv.Mat) (gocv.Mat, error) {
	if flow.Channels() < 2 {
		return gocv.NewMat(), errors.Errorf("flow has %d channels, want at least 2", flow.Channels())
	}
	channels := gocv.Split(flow)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	mag := gocv.NewMat()
	defer mag.Close()
	gocv.Magnitude(channels[0], channels[1], &mag)

	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(mag, &norm, 0, 255, gocv.NormMinMax)

	gray := gocv.NewMat()
	defer gray.Close()
	norm.ConvertTo(&gray, gocv.MatTypeCV8U)

	out := gocv.NewMat()
	gocv.ApplyColorMap(gray, &out, gocv.ColormapJet)
	return out, nil
}

// toDisplay converts an RGB float frame in [0,1] to 8-bit BGR.
func toDisplay(frame gocv.Mat) gocv.Mat {
	u8 := gocv.NewMat()
	if frame.Type()&0x7 == gocv.MatTypeCV8U {
		frame.CopyTo(&u8)
	} else {
		frame.ConvertToWithParams(&u8, gocv.MatTypeCV8U, 255, 0)
	}
	if u8.Channels() != 3 {
		return u8
	}
	out := gocv.NewMat()
	gocv.CvtColor(u8, &out, gocv.ColorBGRToRGB)
	u8.Close()
	return out
}

func toPixel(p motion.Point) image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}
