// Package loop runs the frame-synchronous detection and render cycle.
//
// One goroutine owns the whole cycle:
//
//	tick → NextFrame → Estimate → Render → Present → tick → ...
//
// Never two inferences at once, and cycle N is painted before cycle N+1's
// frame is pulled. Per-cycle failures (model errors, keypoint count
// mismatches, renderer panics) are logged and cost only the overlay of that
// cycle. Only setup failures and a capture stream that closes for good end
// the session.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/pose"
	"github.com/e7canasta/orion-pose-overlay/render"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("loop: already started")

// Config wires exactly one of each collaborator.
type Config struct {
	Source    capture.Source
	Surface   render.Surface
	Estimator pose.Estimator
	Topology  *skeleton.Topology
	Options   render.Options

	// Ticker paces cycles. Nil uses a time.Ticker at RefreshHz.
	Ticker    Ticker
	RefreshHz float64

	// Warmup, when positive, measures the stream FPS once before the first
	// cycle. The result is only logged.
	Warmup time.Duration

	// Observer is called after every completed cycle, on the loop goroutine.
	Observer Observer

	// StatsInterval between periodic stats logs (default 10s).
	StatsInterval time.Duration
}

// CycleReport describes one completed cycle.
type CycleReport struct {
	Seq       uint64
	TraceID   string
	Timestamp time.Time
	Width     int
	Height    int
	// Poses is the number of poses the estimator returned.
	Poses   int
	Visible []pose.Keypoint
	Bones   int
	// Inference is the time spent in Estimate.
	Inference time.Duration
	// Err is the per-cycle failure, if any. The frame was still painted.
	Err error
}

// Observer receives cycle reports. It must not block.
type Observer func(CycleReport)

// Stats is a snapshot of loop counters.
type Stats struct {
	State           string  `json:"state"`
	Cycles          uint64  `json:"cycles"`
	FramesPainted   uint64  `json:"frames_painted"`
	Overlays        uint64  `json:"overlays"`
	EmptyResults    uint64  `json:"empty_results"`
	Mismatches      uint64  `json:"topology_mismatches"`
	ModelErrors     uint64  `json:"model_errors"`
	RenderErrors    uint64  `json:"render_errors"`
	RecoveredPanics uint64  `json:"recovered_panics"`
	InferenceMeanMS float64 `json:"inference_mean_ms"`
	InferenceP95MS  float64 `json:"inference_p95_ms"`
	InferenceMaxMS  float64 `json:"inference_max_ms"`
	LastCycleMS     float64 `json:"last_cycle_ms"`

	Capture *capture.Stats `json:"capture,omitempty"`
}

// Loop is single use: Run may be called once.
type Loop struct {
	cfg      Config
	renderer *render.Renderer

	state    atomic.Int32
	started  atomic.Bool
	stop     atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	stats   Stats
	latency LatencyWindow
	stream  capture.Stream
}

// New validates cfg. A missing collaborator or invalid render options fail
// here, before any device is touched.
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.Source == nil:
		return nil, fmt.Errorf("loop: source is required")
	case cfg.Surface == nil:
		return nil, fmt.Errorf("loop: surface is required")
	case cfg.Estimator == nil:
		return nil, fmt.Errorf("loop: estimator is required")
	case cfg.Topology == nil:
		return nil, fmt.Errorf("loop: topology is required")
	}

	renderer, err := render.NewRenderer(cfg.Topology, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}

	if cfg.RefreshHz == 0 {
		cfg.RefreshHz = 60
	}
	if cfg.Ticker == nil {
		t, err := NewTimeTicker(cfg.RefreshHz)
		if err != nil {
			return nil, err
		}
		cfg.Ticker = t
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}

	return &Loop{
		cfg:      cfg,
		renderer: renderer,
		stopCh:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state. Safe from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Stop requests shutdown. A pending inference is abandoned: its result is
// discarded and its frame is not painted. Safe to call any number of times,
// from any goroutine, before or during Run.
func (l *Loop) Stop() {
	l.stop.Store(true)
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	s := l.stats
	s.InferenceMeanMS, s.InferenceP95MS, s.InferenceMaxMS = l.latency.GetStats()
	stream := l.stream
	l.mu.Unlock()

	s.State = l.State().String()
	if stream != nil {
		cs := stream.Stats()
		s.Capture = &cs
	}
	return s
}

// Run opens the source, sizes the surface once and cycles until Stop, ctx
// cancellation or a fatal capture error. The stream and the estimator are
// released before Run returns.
//
// Returns nil on Stop or cancellation. Open failures wrap
// capture.ErrPermissionDenied or capture.ErrDeviceUnavailable; a stream
// that ends for good wraps capture.ErrStreamClosed.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// GUI-backed surfaces must be painted from one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	defer l.cfg.Ticker.Stop()
	defer func() {
		if cerr := l.cfg.Estimator.Close(); cerr != nil {
			slog.Warn("loop: estimator close failed", "error", cerr)
		}
		l.setState(StateStopped)
		st := l.Stats()
		slog.Info("loop: stopped",
			"cycles", st.Cycles,
			"frames_painted", st.FramesPainted,
			"overlays", st.Overlays,
			"model_errors", st.ModelErrors,
			"recovered_panics", st.RecoveredPanics,
			"error", err,
		)
	}()

	l.setState(StateAwaitingCapture)
	if l.stop.Load() {
		return nil
	}

	stream, err := l.cfg.Source.Open(runCtx)
	if err != nil {
		if l.stopping(ctx) {
			return nil
		}
		return fmt.Errorf("loop: open capture: %w", err)
	}
	defer stream.Close()

	l.mu.Lock()
	l.stream = stream
	l.mu.Unlock()

	dims := stream.Dimensions()
	if err := l.cfg.Surface.Resize(dims.Width, dims.Height); err != nil {
		return fmt.Errorf("loop: resize surface to %s: %w", dims, err)
	}
	slog.Info("loop: capture ready", "resolution", dims.String())

	if l.cfg.Warmup > 0 {
		if _, werr := capture.MeasureFPS(runCtx, stream, l.cfg.Warmup); werr != nil {
			if l.stopping(ctx) {
				return nil
			}
			if errors.Is(werr, capture.ErrStreamClosed) {
				return fmt.Errorf("loop: warmup: %w", werr)
			}
			slog.Warn("loop: fps warmup failed, continuing", "error", werr)
		}
	}

	l.setState(StateReady)
	lastLog := time.Now()

	for {
		if l.stop.Load() || runCtx.Err() != nil {
			return nil
		}
		if err := l.cfg.Ticker.Wait(runCtx); err != nil {
			return nil
		}

		frame, ferr := stream.NextFrame(runCtx)
		if ferr != nil {
			if l.stopping(ctx) {
				return nil
			}
			if errors.Is(ferr, capture.ErrStreamClosed) {
				return fmt.Errorf("loop: %w", ferr)
			}
			slog.Warn("loop: next frame failed", "error", ferr)
			continue
		}

		done := l.cycle(runCtx, frame)
		if !done {
			return nil
		}

		if time.Since(lastLog) >= l.cfg.StatsInterval {
			l.logStats()
			lastLog = time.Now()
		}
	}
}

// stopping reports whether Stop was called or ctx ended.
func (l *Loop) stopping(ctx context.Context) bool {
	return l.stop.Load() || ctx.Err() != nil
}

type estimate struct {
	poses   []pose.Pose
	err     error
	elapsed time.Duration
}

// cycle runs Detecting and Rendering for one frame. It returns false when a
// stop arrived while the inference was pending.
func (l *Loop) cycle(ctx context.Context, frame *capture.Frame) bool {
	cycleStart := time.Now()
	l.setState(StateDetecting)

	// The inference is not cancelled by Stop; it may finish in the background.
	results := make(chan estimate, 1)
	inferCtx := context.WithoutCancel(ctx)
	go func() {
		start := time.Now()
		var res estimate
		defer func() {
			if r := recover(); r != nil {
				res = estimate{err: fmt.Errorf("loop: estimator panic: %v", r)}
				l.count(func(s *Stats) { s.RecoveredPanics++ })
			}
			res.elapsed = time.Since(start)
			results <- res
		}()
		res.poses, res.err = l.cfg.Estimator.Estimate(inferCtx, frame)
	}()

	var res estimate
	select {
	case res = <-results:
	case <-ctx.Done():
		slog.Debug("loop: stop during inference, discarding result", "seq", frame.Seq)
		return false
	}
	if l.stop.Load() {
		return false
	}

	l.setState(StateRendering)
	report := CycleReport{
		Seq:       frame.Seq,
		TraceID:   frame.TraceID,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Inference: res.elapsed,
	}

	poses := res.poses
	if res.err != nil {
		l.count(func(s *Stats) { s.ModelErrors++ })
		slog.Warn("loop: estimation failed, painting frame without overlay",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", res.err,
		)
		report.Err = res.err
		poses = nil
	} else {
		l.mu.Lock()
		l.latency.AddSample(float64(res.elapsed.Microseconds()) / 1000)
		l.mu.Unlock()
	}
	report.Poses = len(poses)

	result, rerr := l.paint(frame, poses)
	switch {
	case rerr == nil:
	case errors.Is(rerr, render.ErrTopologyMismatch):
		l.count(func(s *Stats) { s.Mismatches++ })
		slog.Warn("loop: skipping overlay", "seq", frame.Seq, "error", rerr)
	default:
		l.count(func(s *Stats) { s.RenderErrors++ })
		slog.Error("loop: render failed", "seq", frame.Seq, "error", rerr)
	}
	if rerr != nil && report.Err == nil {
		report.Err = rerr
	}
	report.Visible = result.Visible
	report.Bones = result.Bones

	l.count(func(s *Stats) {
		s.Cycles++
		if res.err == nil && len(poses) == 0 {
			s.EmptyResults++
		}
		if result.Overlay {
			s.Overlays++
		}
		s.LastCycleMS = float64(time.Since(cycleStart).Microseconds()) / 1000
	})

	if l.cfg.Observer != nil {
		l.cfg.Observer(report)
	}

	l.setState(StateReady)
	return true
}

// paint renders and presents one frame, converting a renderer panic into an
// error.
func (l *Loop) paint(frame *capture.Frame, poses []pose.Pose) (res render.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.count(func(s *Stats) { s.RecoveredPanics++ })
			res = render.Result{}
			err = fmt.Errorf("loop: render panic on frame %d: %v", frame.Seq, r)
		}
	}()

	res, err = l.renderer.Render(l.cfg.Surface, frame, poses)
	if err != nil && !errors.Is(err, render.ErrTopologyMismatch) {
		return res, err
	}

	if perr := l.cfg.Surface.Present(); perr != nil {
		return res, fmt.Errorf("loop: present frame %d: %w", frame.Seq, perr)
	}
	l.count(func(s *Stats) { s.FramesPainted++ })
	return res, err
}

func (l *Loop) count(f func(*Stats)) {
	l.mu.Lock()
	f(&l.stats)
	l.mu.Unlock()
}

func (l *Loop) logStats() {
	st := l.Stats()
	attrs := []any{
		"cycles", st.Cycles,
		"frames_painted", st.FramesPainted,
		"overlays", st.Overlays,
		"empty_results", st.EmptyResults,
		"model_errors", st.ModelErrors,
		"inference_mean_ms", fmt.Sprintf("%.1f", st.InferenceMeanMS),
		"inference_p95_ms", fmt.Sprintf("%.1f", st.InferenceP95MS),
	}
	if st.Capture != nil {
		attrs = append(attrs,
			"capture_fps", fmt.Sprintf("%.1f", st.Capture.FPSReal),
			"capture_dropped", st.Capture.FramesDropped,
		)
	}
	slog.Debug("loop: stats", attrs...)

	if st.Mismatches > 0 {
		slog.Warn("loop: keypoint count mismatches observed", "count", st.Mismatches)
	}
}
