package render

import (
	"fmt"
	"image"
	"image/color"
)

// Opaque colors used by DefaultOptions.
var (
	// Red fills the keypoint markers.
	Red = color.RGBA{R: 255, A: 255}
	// Lime strokes the bones.
	Lime = color.RGBA{G: 255, A: 255}
	// White fills label text.
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	// Black outlines label text.
	Black = color.RGBA{A: 255}
)

// Options tune the overlay.
type Options struct {
	// DrawLabels writes the keypoint name next to each visible marker.
	DrawLabels bool
	// ConfidenceThreshold: a keypoint is visible iff score > threshold (strict).
	ConfidenceThreshold float64

	MarkerRadius int
	MarkerColor  color.RGBA
	BoneWidth    int
	BoneColor    color.RGBA
	// LabelOffset is added to the marker position to place the label.
	LabelOffset  image.Point
	LabelFill    color.RGBA
	LabelOutline color.RGBA
}

// DefaultOptions returns red 5px markers, lime 2px bones, labels off,
// threshold 0.5, labels offset (+8,-8) in white with a black outline.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.5,
		MarkerRadius:        5,
		MarkerColor:         Red,
		BoneWidth:           2,
		BoneColor:           Lime,
		LabelOffset:         image.Pt(8, -8),
		LabelFill:           White,
		LabelOutline:        Black,
	}
}

// Validate checks ranges.
func (o Options) Validate() error {
	if !(o.ConfidenceThreshold >= 0 && o.ConfidenceThreshold <= 1) {
		return fmt.Errorf("render: confidence threshold %.3f outside [0,1]", o.ConfidenceThreshold)
	}
	if o.MarkerRadius <= 0 {
		return fmt.Errorf("render: marker radius must be positive, got %d", o.MarkerRadius)
	}
	if o.BoneWidth <= 0 {
		return fmt.Errorf("render: bone width must be positive, got %d", o.BoneWidth)
	}
	return nil
}
