package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

// OpKind identifies a recorded paint primitive.
type OpKind int

const (
	OpBlit OpKind = iota
	OpCircle
	OpLine
	OpText
	OpPresent
)

func (k OpKind) String() string {
	switch k {
	case OpBlit:
		return "blit"
	case OpCircle:
		return "circle"
	case OpLine:
		return "line"
	case OpText:
		return "text"
	case OpPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Op is one recorded primitive. Unused fields are zero.
type Op struct {
	Kind     OpKind
	FrameSeq uint64 // OpBlit
	From     image.Point
	To       image.Point // OpLine
	Radius   int         // OpCircle
	Width    int         // OpLine
	Text     string      // OpText
	Fill     color.RGBA
	Outline  color.RGBA // OpText
}

func (o Op) String() string {
	switch o.Kind {
	case OpBlit:
		return fmt.Sprintf("blit(%d)", o.FrameSeq)
	case OpCircle:
		return fmt.Sprintf("circle(%d,%d r=%d)", o.From.X, o.From.Y, o.Radius)
	case OpLine:
		return fmt.Sprintf("line(%d,%d→%d,%d w=%d)", o.From.X, o.From.Y, o.To.X, o.To.Y, o.Width)
	case OpText:
		return fmt.Sprintf("text(%d,%d %q)", o.From.X, o.From.Y, o.Text)
	default:
		return o.Kind.String()
	}
}

// Recorder is a Surface that records primitives instead of drawing them.
type Recorder struct {
	Width   int
	Height  int
	Resizes int
	Ops     []Op

	// BlitErr, when set, is returned by Blit.
	BlitErr error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("render: invalid surface size %dx%d", width, height)
	}
	r.Width, r.Height = width, height
	r.Resizes++
	return nil
}

func (r *Recorder) Size() (int, int) { return r.Width, r.Height }

func (r *Recorder) Blit(frame *capture.Frame) error {
	if r.BlitErr != nil {
		return r.BlitErr
	}
	r.Ops = append(r.Ops, Op{Kind: OpBlit, FrameSeq: frame.Seq})
	return nil
}

func (r *Recorder) Circle(center image.Point, radius int, fill color.RGBA) {
	r.Ops = append(r.Ops, Op{Kind: OpCircle, From: center, Radius: radius, Fill: fill})
}

func (r *Recorder) Line(from, to image.Point, width int, stroke color.RGBA) {
	r.Ops = append(r.Ops, Op{Kind: OpLine, From: from, To: to, Width: width, Fill: stroke})
}

func (r *Recorder) Text(at image.Point, s string, fill, outline color.RGBA) {
	r.Ops = append(r.Ops, Op{Kind: OpText, From: at, Text: s, Fill: fill, Outline: outline})
}

func (r *Recorder) Present() error {
	r.Ops = append(r.Ops, Op{Kind: OpPresent})
	return nil
}

// Count returns how many ops of kind were recorded.
func (r *Recorder) Count(kind OpKind) int {
	n := 0
	for _, op := range r.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops recorded ops, keeping the size.
func (r *Recorder) Reset() { r.Ops = r.Ops[:0] }
