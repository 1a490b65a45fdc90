// Package render paints a captured frame and its skeletal overlay onto a
// Surface.
//
// The Renderer is pure with respect to its inputs: the same frame, poses and
// options always produce the same sequence of primitives, which is what the
// Recorder surface captures in tests.
package render

import (
	"image"
	"image/color"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

// Surface is the paint target. Coordinates are surface pixels, origin top-left.
//
// A Surface is owned by one goroutine; implementations need not be safe for
// concurrent use.
type Surface interface {
	// Resize sets the surface size. Called once per session before any paint.
	Resize(width, height int) error
	// Size returns the current surface size.
	Size() (width, height int)
	// Blit draws frame at (0,0) scaled to the surface size.
	Blit(frame *capture.Frame) error
	// Circle draws a filled circle.
	Circle(center image.Point, radius int, fill color.RGBA)
	// Line draws a segment of the given stroke width.
	Line(from, to image.Point, width int, stroke color.RGBA)
	// Text draws s with its baseline at at, outline first then fill.
	Text(at image.Point, s string, fill, outline color.RGBA)
	// Present publishes the finished frame to whatever displays it.
	Present() error
}
