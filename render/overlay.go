package render

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/pose"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// ErrTopologyMismatch is returned when a pose's keypoint count differs from
// the topology's K. The raw frame is still painted.
var ErrTopologyMismatch = errors.New("render: keypoint count does not match topology")

// Result summarizes what one Render call drew.
type Result struct {
	// Overlay is true when a pose was drawn (possibly with zero visible keypoints).
	Overlay bool
	// Visible holds the keypoints that received a marker, in index order.
	Visible []pose.Keypoint
	// Bones is the number of segments drawn.
	Bones int
	// Labels is the number of labels drawn.
	Labels int
}

// Renderer paints frames and skeletal overlays for one topology.
type Renderer struct {
	topo *skeleton.Topology
	opts Options
}

// NewRenderer validates opts and binds them to topo.
func NewRenderer(topo *skeleton.Topology, opts Options) (*Renderer, error) {
	if topo == nil {
		return nil, fmt.Errorf("render: topology is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{topo: topo, opts: opts}, nil
}

// Options returns the renderer's options.
func (r *Renderer) Options() Options { return r.opts }

// Render paints frame and, when poses is non-empty, the overlay for poses[0].
//
// Paint order:
//  1. the raw frame, scaled to the surface
//  2. a marker for each keypoint with score > threshold
//  3. a segment for each bone whose endpoints are both visible
//  4. optional labels next to visible markers
//
// Zero poses is not an error: only the frame is painted. A keypoint count
// other than K paints only the frame and returns ErrTopologyMismatch.
// Render does not call Present.
func (r *Renderer) Render(s Surface, frame *capture.Frame, poses []pose.Pose) (Result, error) {
	var res Result

	if err := s.Blit(frame); err != nil {
		return res, fmt.Errorf("render: blit frame %d: %w", frame.Seq, err)
	}
	if len(poses) == 0 {
		return res, nil
	}

	kps := poses[0].Keypoints
	if k := r.topo.KeypointCount(); len(kps) != k {
		return res, fmt.Errorf("%w: got %d keypoints, want %d", ErrTopologyMismatch, len(kps), k)
	}

	sw, sh := s.Size()
	sx, sy := 1.0, 1.0
	if frame.Width > 0 && frame.Height > 0 {
		sx = float64(sw) / float64(frame.Width)
		sy = float64(sh) / float64(frame.Height)
	}
	at := func(kp pose.Keypoint) image.Point {
		return image.Pt(int(math.Round(kp.X*sx)), int(math.Round(kp.Y*sy)))
	}

	res.Overlay = true
	visible := make([]bool, len(kps))
	for i, kp := range kps {
		if kp.Score > r.opts.ConfidenceThreshold {
			visible[i] = true
			s.Circle(at(kp), r.opts.MarkerRadius, r.opts.MarkerColor)
			kp.Index = i
			// the topology names the slot, whatever the model reported
			kp.Name, _ = r.topo.NameOf(i)
			res.Visible = append(res.Visible, kp)
		}
	}

	for _, b := range r.topo.Bones() {
		if visible[b.A] && visible[b.B] {
			s.Line(at(kps[b.A]), at(kps[b.B]), r.opts.BoneWidth, r.opts.BoneColor)
			res.Bones++
		}
	}

	if r.opts.DrawLabels {
		for _, kp := range res.Visible {
			s.Text(at(kp).Add(r.opts.LabelOffset), kp.Name, r.opts.LabelFill, r.opts.LabelOutline)
			res.Labels++
		}
	}

	return res, nil
}
