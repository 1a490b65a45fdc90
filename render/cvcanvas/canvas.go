// Package cvcanvas implements render.Surface on an OpenCV BGR Mat.
//
// Each Present hands the finished Mat to the configured sinks: a desktop
// window, a JPEG encoder feeding the HTTP preview, or both.
package cvcanvas

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"gocv.io/x/gocv"
)

// Sink receives every presented frame.
type Sink interface {
	// Put displays or forwards img. The caller keeps ownership of img; a
	// sink must not hold references to it after returning.
	Put(img gocv.Mat, seq uint64) error
	// Close releases the sink.
	Close() error
}

// Canvas is a gocv-backed Surface. Not safe for concurrent use.
type Canvas struct {
	mat     gocv.Mat
	scratch gocv.Mat
	width   int
	height  int
	seq     uint64
	sinks   []Sink

	// FontScale for labels (default 0.45).
	FontScale float64
}

// New creates an unsized canvas presenting to sinks.
func New(sinks ...Sink) *Canvas {
	return &Canvas{
		mat:       gocv.NewMat(),
		scratch:   gocv.NewMat(),
		sinks:     sinks,
		FontScale: 0.45,
	}
}

// Resize allocates the backing Mat.
func (c *Canvas) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("cvcanvas: invalid size %dx%d", width, height)
	}
	c.mat.Close()
	c.mat = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	c.width, c.height = width, height

	slog.Debug("cvcanvas: resized", "width", width, "height", height)
	return nil
}

func (c *Canvas) Size() (int, int) { return c.width, c.height }

// Blit converts the RGB frame to BGR and scales it to the canvas.
func (c *Canvas) Blit(frame *capture.Frame) error {
	if c.width == 0 {
		return fmt.Errorf("cvcanvas: blit before resize")
	}
	if len(frame.Data) != frame.Width*frame.Height*3 {
		return fmt.Errorf("cvcanvas: invalid RGB data size: got %d bytes, expected %d",
			len(frame.Data), frame.Width*frame.Height*3)
	}

	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("cvcanvas: wrap frame %d: %w", frame.Seq, err)
	}
	defer src.Close()

	if frame.Width == c.width && frame.Height == c.height {
		gocv.CvtColor(src, &c.mat, gocv.ColorRGBToBGR)
	} else {
		gocv.CvtColor(src, &c.scratch, gocv.ColorRGBToBGR)
		gocv.Resize(c.scratch, &c.mat, image.Pt(c.width, c.height), 0, 0, gocv.InterpolationLinear)
	}
	c.seq = frame.Seq
	return nil
}

func (c *Canvas) Circle(center image.Point, radius int, fill color.RGBA) {
	gocv.Circle(&c.mat, center, radius, fill, -1)
}

func (c *Canvas) Line(from, to image.Point, width int, stroke color.RGBA) {
	gocv.Line(&c.mat, from, to, stroke, width)
}

func (c *Canvas) Text(at image.Point, s string, fill, outline color.RGBA) {
	gocv.PutText(&c.mat, s, at, gocv.FontHersheySimplex, c.FontScale, outline, 3)
	gocv.PutText(&c.mat, s, at, gocv.FontHersheySimplex, c.FontScale, fill, 1)
}

// Present hands the canvas to every sink. All sinks are tried; the first
// error is returned.
func (c *Canvas) Present() error {
	var first error
	for _, s := range c.sinks {
		if err := s.Put(c.mat, c.seq); err != nil && first == nil {
			first = fmt.Errorf("cvcanvas: present frame %d: %w", c.seq, err)
		}
	}
	return first
}

// At returns the pixel at (x, y) as RGBA.
func (c *Canvas) At(x, y int) color.RGBA {
	v := c.mat.GetVecbAt(y, x)
	return color.RGBA{R: v[2], G: v[1], B: v[0], A: 255}
}

// Close releases the Mats and closes every sink.
func (c *Canvas) Close() error {
	var first error
	for _, s := range c.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.mat.Close()
	c.scratch.Close()
	return first
}
