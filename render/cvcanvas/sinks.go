package cvcanvas

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-pose-overlay/internal/preview"
	"gocv.io/x/gocv"
)

// WindowSink shows frames in a HighGUI window.
//
// The window is created lazily by the first Put so it lives on the thread
// that paints. Pressing q or Esc calls OnQuit once.
type WindowSink struct {
	title  string
	window *gocv.Window

	// OnQuit, if set, is called when the user closes the preview.
	OnQuit   func()
	quitOnce sync.Once
}

// NewWindowSink returns a sink for a window titled title.
func NewWindowSink(title string) *WindowSink {
	return &WindowSink{title: title}
}

func (w *WindowSink) Put(img gocv.Mat, seq uint64) error {
	if w.window == nil {
		w.window = gocv.NewWindow(w.title)
		slog.Info("cvcanvas: window opened", "title", w.title)
	}
	w.window.IMShow(img)

	switch key := w.window.WaitKey(1); key {
	case 'q', 27:
		if w.OnQuit != nil {
			w.quitOnce.Do(func() {
				slog.Info("cvcanvas: quit requested from window", "seq", seq)
				w.OnQuit()
			})
		}
	}
	return nil
}

func (w *WindowSink) Close() error {
	if w.window == nil {
		return nil
	}
	err := w.window.Close()
	w.window = nil
	return err
}

// Publisher receives encoded frames.
type Publisher interface {
	Publish(frame preview.Frame)
}

// JPEGSink encodes frames and publishes them, at most MaxFPS per second.
type JPEGSink struct {
	pub      Publisher
	quality  int
	interval time.Duration
	last     time.Time

	encoded uint64
	skipped uint64
}

// NewJPEGSink validates quality (1-100) and maxFPS (0 means every frame).
func NewJPEGSink(pub Publisher, quality int, maxFPS float64) (*JPEGSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("cvcanvas: jpeg sink needs a publisher")
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("cvcanvas: invalid jpeg quality %d (must be 1-100)", quality)
	}
	if maxFPS < 0 {
		return nil, fmt.Errorf("cvcanvas: invalid max fps %.1f", maxFPS)
	}

	s := &JPEGSink{pub: pub, quality: quality}
	if maxFPS > 0 {
		s.interval = time.Duration(float64(time.Second) / maxFPS)
	}
	return s, nil
}

func (s *JPEGSink) Put(img gocv.Mat, seq uint64) error {
	now := time.Now()
	if s.interval > 0 && !s.last.IsZero() && now.Sub(s.last) < s.interval {
		s.skipped++
		return nil
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, s.quality})
	if err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	s.last = now
	s.encoded++
	s.pub.Publish(preview.Frame{Data: data, Seq: seq, Timestamp: now})
	return nil
}

func (s *JPEGSink) Close() error {
	slog.Debug("cvcanvas: jpeg sink closed", "encoded", s.encoded, "skipped", s.skipped)
	return nil
}
