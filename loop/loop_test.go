package loop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/pose"
	"github.com/e7canasta/orion-pose-overlay/render"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// --- fakes ---

type fakeSource struct {
	width, height int
	// frames is how many frames the stream yields before closing; 0 is unlimited.
	frames  uint64
	openErr error
	stream  *fakeStream
}

func (s *fakeSource) Open(ctx context.Context) (capture.Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.stream = &fakeStream{src: s}
	return s.stream, nil
}

type fakeStream struct {
	src    *fakeSource
	seq    atomic.Uint64
	closed atomic.Bool
}

func (s *fakeStream) Dimensions() capture.Dimensions {
	return capture.Dimensions{Width: s.src.width, Height: s.src.height}
}

func (s *fakeStream) NextFrame(ctx context.Context) (*capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() || (s.src.frames > 0 && s.seq.Load() >= s.src.frames) {
		return nil, capture.ErrStreamClosed
	}
	seq := s.seq.Add(1)
	return &capture.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.src.width,
		Height:    s.src.height,
		Data:      make([]byte, s.src.width*s.src.height*3),
		TraceID:   fmt.Sprintf("trace-%d", seq),
	}, nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeStream) Stats() capture.Stats {
	return capture.Stats{FramesDelivered: s.seq.Load()}
}

type estimateFunc func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error)

type fakeEstimator struct {
	calls  atomic.Int32
	closed atomic.Bool
	// script[i] answers call i; the last entry repeats.
	script []estimateFunc
}

func (e *fakeEstimator) Estimate(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
	n := int(e.calls.Add(1)) - 1
	if n >= len(e.script) {
		n = len(e.script) - 1
	}
	return e.script[n](ctx, frame)
}

func (e *fakeEstimator) Close() error {
	e.closed.Store(true)
	return nil
}

func mockPoses(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
	return []pose.Pose{pose.MockPose(frame.Width, frame.Height, frame.Seq)}, nil
}

type immediateTicker struct{ stopped atomic.Bool }

func (t *immediateTicker) Wait(ctx context.Context) error { return ctx.Err() }
func (t *immediateTicker) Stop() { t.stopped.Store(true) }

// panicSurface panics on the first Circle.
type panicSurface struct {
	*render.Recorder
	panicked bool
}

func (s *panicSurface) Circle(c image.Point, r int, fill color.RGBA) {
	if !s.panicked {
		s.panicked = true
		panic("circle exploded")
	}
	s.Recorder.Circle(c, r, fill)
}

func newTestLoop(t *testing.T, src *fakeSource, surface render.Surface, est pose.Estimator) *Loop {
	t.Helper()
	l, err := New(Config{
		Source:    src,
		Surface:   surface,
		Estimator: est,
		Topology:  skeleton.MoveNet(),
		Options:   render.DefaultOptions(),
		Ticker:    &immediateTicker{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

// --- tests ---

func TestNew_Validation(t *testing.T) {
	valid := func() Config {
		return Config{
			Source:    &fakeSource{width: 4, height: 4},
			Surface:   render.NewRecorder(),
			Estimator: &fakeEstimator{script: []estimateFunc{mockPoses}},
			Topology:  skeleton.MoveNet(),
			Options:   render.DefaultOptions(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no source", func(c *Config) { c.Source = nil }, true},
		{"no surface", func(c *Config) { c.Surface = nil }, true},
		{"no estimator", func(c *Config) { c.Estimator = nil }, true},
		{"no topology", func(c *Config) { c.Topology = nil }, true},
		{"bad threshold", func(c *Config) { c.Options.ConfidenceThreshold = 2 }, true},
		{"bad refresh", func(c *Config) { c.RefreshHz = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			l, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if l != nil && l.State() != StateUninitialized {
				t.Errorf("State() = %s, want uninitialized", l.State())
			}
		})
	}
}

func TestRun_PaintsEveryFrameUntilStreamCloses(t *testing.T) {
	src := &fakeSource{width: 64, height: 48, frames: 5}
	rec := render.NewRecorder()
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	l := newTestLoop(t, src, rec, est)

	err := l.Run(context.Background())
	if !errors.Is(err, capture.ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}

	if rec.Resizes != 1 || rec.Width != 64 || rec.Height != 48 {
		t.Errorf("surface resized %d times to %dx%d, want once to 64x48", rec.Resizes, rec.Width, rec.Height)
	}
	if got := rec.Count(render.OpPresent); got != 5 {
		t.Errorf("presents = %d, want 5", got)
	}
	if got := rec.Count(render.OpBlit); got != 5 {
		t.Errorf("blits = %d, want 5", got)
	}

	st := l.Stats()
	if st.Cycles != 5 || st.Overlays != 5 || st.FramesPainted != 5 {
		t.Errorf("stats = %+v, want 5 cycles/overlays/painted", st)
	}
	if st.State != "stopped" || l.State() != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}
	if !est.closed.Load() || !src.stream.closed.Load() {
		t.Error("estimator and stream must be released")
	}
	t.Logf("inference mean=%.3fms p95=%.3fms", st.InferenceMeanMS, st.InferenceP95MS)
}

func TestRun_OpenFailureIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", fmt.Errorf("capture: open /dev/video0: %w", capture.ErrPermissionDenied)},
		{"device unavailable", fmt.Errorf("capture: open /dev/video9: %w", capture.ErrDeviceUnavailable)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := render.NewRecorder()
			est := &fakeEstimator{script: []estimateFunc{mockPoses}}
			l := newTestLoop(t, &fakeSource{openErr: tt.err}, rec, est)

			err := l.Run(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Run() error = %v, want %v", err, tt.err)
			}
			if rec.Resizes != 0 || len(rec.Ops) != 0 {
				t.Error("surface touched after open failure")
			}
			if est.calls.Load() != 0 {
				t.Error("Estimate called after open failure")
			}
			if !est.closed.Load() {
				t.Error("estimator not released")
			}
		})
	}
}

func TestRun_ResizeFailureIsFatal(t *testing.T) {
	rec := render.NewRecorder()
	l := newTestLoop(t, &fakeSource{width: 0, height: 0}, rec, &fakeEstimator{script: []estimateFunc{mockPoses}})

	if err := l.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want resize failure")
	}
}

func TestRun_StopDuringInference(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocking := func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
		close(entered)
		<-release
		return mockPoses(ctx, frame)
	}
	est := &fakeEstimator{script: []estimateFunc{blocking}}
	rec := render.NewRecorder()
	l := newTestLoop(t, &fakeSource{width: 32, height: 32}, rec, est)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("estimator never called")
	}
	if l.State() != StateDetecting {
		t.Errorf("State() = %s during inference, want detecting", l.State())
	}

	l.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop while inference was pending")
	}

	if got := est.calls.Load(); got != 1 {
		t.Errorf("Estimate calls = %d, want 1", got)
	}
	if got := rec.Count(render.OpPresent); got != 0 {
		t.Errorf("presents = %d, want 0 (pending frame must not be painted)", got)
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", l.State())
	}
}

func TestRun_PerCycleFailuresContinue(t *testing.T) {
	wrongK := func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
		return []pose.Pose{{Keypoints: make([]pose.Keypoint, 13)}}, nil
	}
	modelErr := func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
		return nil, &pose.ModelError{Backend: "test", Seq: frame.Seq, Reason: "bad tensor"}
	}
	empty := func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
		return nil, nil
	}

	est := &fakeEstimator{script: []estimateFunc{modelErr, wrongK, empty, mockPoses}}
	rec := render.NewRecorder()
	l := newTestLoop(t, &fakeSource{width: 64, height: 48, frames: 4}, rec, est)

	var reports []CycleReport
	l.cfg.Observer = func(r CycleReport) { reports = append(reports, r) }

	if err := l.Run(context.Background()); !errors.Is(err, capture.ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}

	st := l.Stats()
	want := Stats{Cycles: 4, FramesPainted: 4, Overlays: 1, EmptyResults: 1, Mismatches: 1, ModelErrors: 1}
	if st.Cycles != want.Cycles || st.FramesPainted != want.FramesPainted || st.Overlays != want.Overlays ||
		st.EmptyResults != want.EmptyResults || st.Mismatches != want.Mismatches || st.ModelErrors != want.ModelErrors {
		t.Errorf("stats = %+v, want %+v", st, want)
	}

	if len(reports) != 4 {
		t.Fatalf("reports = %d, want 4", len(reports))
	}
	var me *pose.ModelError
	if !errors.As(reports[0].Err, &me) {
		t.Errorf("report 0 error = %v, want ModelError", reports[0].Err)
	}
	if !errors.Is(reports[1].Err, render.ErrTopologyMismatch) {
		t.Errorf("report 1 error = %v, want ErrTopologyMismatch", reports[1].Err)
	}
	if reports[2].Err != nil || reports[2].Poses != 0 {
		t.Errorf("report 2 = %+v, want clean empty result", reports[2])
	}
	if reports[3].Err != nil || reports[3].Bones == 0 {
		t.Errorf("report 3 = %+v, want overlay", reports[3])
	}
	if got := rec.Count(render.OpBlit); got != 4 {
		t.Errorf("blits = %d, want every frame painted", got)
	}
}

func TestRun_RecoversPanics(t *testing.T) {
	panicking := func(ctx context.Context, frame *capture.Frame) ([]pose.Pose, error) {
		panic("model exploded")
	}
	est := &fakeEstimator{script: []estimateFunc{panicking, mockPoses}}
	surface := &panicSurface{Recorder: render.NewRecorder()}
	l := newTestLoop(t, &fakeSource{width: 64, height: 48, frames: 3}, surface, est)

	if err := l.Run(context.Background()); !errors.Is(err, capture.ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}

	st := l.Stats()
	if st.Cycles != 3 {
		t.Errorf("cycles = %d, want 3", st.Cycles)
	}
	if st.RecoveredPanics != 2 {
		t.Errorf("recovered panics = %d, want 2", st.RecoveredPanics)
	}
	if st.ModelErrors != 1 || st.RenderErrors != 1 {
		t.Errorf("model errors = %d render errors = %d, want 1 and 1", st.ModelErrors, st.RenderErrors)
	}
	if st.Overlays != 1 {
		t.Errorf("overlays = %d, want 1 (last cycle)", st.Overlays)
	}
}

func TestRun_ObserverSeesRendering(t *testing.T) {
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	l := newTestLoop(t, &fakeSource{width: 640, height: 480, frames: 3}, render.NewRecorder(), est)

	var seqs []uint64
	l.cfg.Observer = func(r CycleReport) {
		if s := l.State(); s != StateRendering {
			t.Errorf("State() in observer = %s, want rendering", s)
		}
		// face keypoints score 0.45; everything else is visible for small seq
		if len(r.Visible) != 12 || r.Bones != 10 {
			t.Errorf("seq %d: visible=%d bones=%d, want 12 and 10", r.Seq, len(r.Visible), r.Bones)
		}
		if r.TraceID == "" {
			t.Errorf("seq %d: empty trace id", r.Seq)
		}
		seqs = append(seqs, r.Seq)
	}

	l.Run(context.Background())

	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("observed seqs = %v, want [1 2 3]", seqs)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	l := newTestLoop(t, &fakeSource{width: 16, height: 16}, render.NewRecorder(), est)
	ticker, err := NewTimeTicker(200)
	if err != nil {
		t.Fatal(err)
	}
	l.cfg.Ticker = ticker

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancellation", err)
	}
	if l.Stats().Cycles == 0 {
		t.Error("no cycles ran before cancellation")
	}
}

func TestRun_StopBeforeRun(t *testing.T) {
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	src := &fakeSource{width: 16, height: 16}
	l := newTestLoop(t, src, render.NewRecorder(), est)

	l.Stop()
	l.Stop()

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if src.stream != nil {
		t.Error("source opened after Stop")
	}
	if l.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", l.State())
	}
}

func TestRun_Twice(t *testing.T) {
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	l := newTestLoop(t, &fakeSource{width: 16, height: 16, frames: 1}, render.NewRecorder(), est)

	l.Run(context.Background())
	if err := l.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestRun_SyntheticEndToEnd(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 160, Height: 120, FPS: 30, MaxFrames: 20})
	if err != nil {
		t.Fatal(err)
	}
	rec := render.NewRecorder()

	l, err := New(Config{
		Source:    src,
		Surface:   rec,
		Estimator: pose.NewMockEstimator(5 * time.Millisecond),
		Topology:  skeleton.MoveNet(),
		Options:   render.DefaultOptions(),
		RefreshHz: 120,
		Warmup:    150 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = l.Run(context.Background())
	if !errors.Is(err, capture.ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}

	st := l.Stats()
	if st.FramesPainted == 0 || rec.Resizes != 1 {
		t.Errorf("painted=%d resizes=%d, want >0 and 1", st.FramesPainted, rec.Resizes)
	}
	if st.Capture == nil || st.Capture.Resolution != "160x120" {
		t.Errorf("capture stats = %+v, want 160x120", st.Capture)
	}
	t.Logf("painted %d frames, p95 inference %.1fms", st.FramesPainted, st.InferenceP95MS)
}

func TestRun_StopFromAnotherGoroutine(t *testing.T) {
	est := &fakeEstimator{script: []estimateFunc{mockPoses}}
	l := newTestLoop(t, &fakeSource{width: 16, height: 16}, render.NewRecorder(), est)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for l.Stats().Cycles < 10 {
			time.Sleep(time.Millisecond)
		}
		l.Stop()
	}()

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	wg.Wait()

	calls := est.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if est.calls.Load() != calls {
		t.Error("Estimate called after Run returned")
	}
}

func TestState_Serving(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateUninitialized, false},
		{StateAwaitingCapture, false},
		{StateReady, true},
		{StateDetecting, true},
		{StateRendering, true},
		{StateStopped, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Serving(); got != tt.want {
				t.Errorf("Serving() = %v, want %v", got, tt.want)
			}
		})
	}
}
