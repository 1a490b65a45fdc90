package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture/internal/gstpipe"
	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Kind selects the GStreamer pipeline head.
type Kind string

const (
	KindDevice Kind = "device" // v4l2src
	KindRTSP   Kind = "rtsp"   // rtspsrc, TCP only
	KindTest   Kind = "test"   // videotestsrc
)

// GstConfig contains configuration for a GStreamer-backed source.
type GstConfig struct {
	// Kind is the pipeline head (required).
	Kind Kind
	// Device is the V4L2 device path for KindDevice (default /dev/video0).
	Device string
	// URL is the stream URL for KindRTSP (required for that kind).
	URL string
	// Pattern is the videotestsrc pattern id for KindTest.
	Pattern int
	// Width and Height request a resolution. Zero keeps the resolution the
	// camera reports. KindTest defaults to 640x480.
	Width  int
	Height int
	// FPS requests a framerate. Zero keeps the source rate.
	FPS float64
	// OpenTimeout bounds how long Open waits for the first frame (default 10s).
	OpenTimeout time.Duration
	// MaxReconnects, ReconnectDelay and ReconnectMaxDelay tune the RTSP
	// backoff. Zero values use 5 retries, 1s initial delay, 30s cap.
	MaxReconnects     int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// Name labels frames and logs (default: device path, URL or "videotestsrc").
	Name string
}

// GstSource implements Source with a GStreamer pipeline.
type GstSource struct {
	cfg       GstConfig
	pipe      gstpipe.Config
	reconnect gstpipe.ReconnectConfig
}

// NewGstSource creates a GStreamer source with fail-fast validation.
func NewGstSource(cfg GstConfig) (*GstSource, error) {
	pipe := gstpipe.Config{
		Device:  cfg.Device,
		URL:     cfg.URL,
		Pattern: cfg.Pattern,
		Width:   cfg.Width,
		Height:  cfg.Height,
		FPS:     cfg.FPS,
	}

	switch cfg.Kind {
	case KindDevice:
		pipe.Kind = gstpipe.KindDevice
		if cfg.Device == "" {
			cfg.Device = "/dev/video0"
			pipe.Device = cfg.Device
		}
		if cfg.Name == "" {
			cfg.Name = cfg.Device
		}
	case KindRTSP:
		pipe.Kind = gstpipe.KindRTSP
		if cfg.URL == "" {
			return nil, fmt.Errorf("capture: RTSP URL is required")
		}
		if cfg.Name == "" {
			cfg.Name = cfg.URL
		}
	case KindTest:
		pipe.Kind = gstpipe.KindTest
		if pipe.Width == 0 || pipe.Height == 0 {
			pipe.Width, pipe.Height = 640, 480
		}
		if cfg.Name == "" {
			cfg.Name = "videotestsrc"
		}
	default:
		return nil, fmt.Errorf("capture: unknown source kind %q (want device, rtsp or test)", cfg.Kind)
	}

	if (cfg.Width == 0) != (cfg.Height == 0) || cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("capture: invalid requested resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 || cfg.FPS > 120 {
		return nil, fmt.Errorf("capture: invalid FPS %.2f (must be 0-120)", cfg.FPS)
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	reconnect := gstpipe.DefaultReconnectConfig()
	if cfg.MaxReconnects > 0 {
		reconnect.MaxRetries = cfg.MaxReconnects
	}
	if cfg.ReconnectDelay > 0 {
		reconnect.RetryDelay = cfg.ReconnectDelay
	}
	if cfg.ReconnectMaxDelay > 0 {
		reconnect.MaxRetryDelay = cfg.ReconnectMaxDelay
	}

	slog.Info("capture: gstreamer source created",
		"kind", string(cfg.Kind),
		"name", cfg.Name,
		"requested_resolution", fmt.Sprintf("%dx%d", pipe.Width, pipe.Height),
		"fps", cfg.FPS,
	)

	return &GstSource{cfg: cfg, pipe: pipe, reconnect: reconnect}, nil
}

// Open builds and starts the pipeline, then blocks until the first frame
// arrives so the negotiated dimensions are known.
//
// Errors are classified from the GStreamer bus:
//   - auth / permission failures wrap ErrPermissionDenied
//   - missing, busy, unreachable or silent sources wrap ErrDeviceUnavailable
func (s *GstSource) Open(ctx context.Context) (Stream, error) {
	st := &gstStream{
		cfg:       s.cfg,
		pipe:      s.pipe,
		reconnect: s.reconnect,
		mailbox:   newLatest(),
		started:   time.Now(),
	}

	slog.Info("capture: opening source", "kind", string(s.cfg.Kind), "name", s.cfg.Name)

	if err := st.connect(ctx); err != nil {
		return nil, openError(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	st.wg.Add(1)
	go st.run(runCtx)

	slog.Info("capture: source opened",
		"name", s.cfg.Name,
		"resolution", st.Dimensions().String(),
	)
	return st, nil
}

// openError maps a pipeline start failure to the public sentinels.
func openError(err error) error {
	var perr *gstpipe.PipelineError
	if errors.As(err, &perr) {
		if perr.Category == gstpipe.CategoryAuth {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perr.Message)
		}
		return fmt.Errorf("%w: %s [%s]", ErrDeviceUnavailable, perr.Message, perr.Category)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// gstStream is an opened GstSource.
type gstStream struct {
	cfg       GstConfig
	pipe      gstpipe.Config
	reconnect gstpipe.ReconnectConfig

	dims    atomic.Pointer[Dimensions] // fixed by the first frame
	mailbox *latest
	started time.Time
	seq     atomic.Uint64

	mu       sync.Mutex
	elements *gstpipe.Elements

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	reconnects     uint32
	pipelineErrors uint64
}

// connect builds a fresh pipeline, starts it and waits for a frame.
// The previous pipeline, if any, is destroyed first.
func (s *gstStream) connect(ctx context.Context) error {
	s.destroy()

	elements, err := gstpipe.Create(s.pipe)
	if err != nil {
		return err
	}

	baseline := atomic.LoadUint64(&s.mailbox.captured)
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return gstpipe.OnNewSample(sink, s.onImage)
		},
	})

	s.mu.Lock()
	s.elements = elements
	s.mu.Unlock()

	if err := gstpipe.Play(elements); err != nil {
		s.destroy()
		return err
	}

	ready := func() bool { return atomic.LoadUint64(&s.mailbox.captured) > baseline }
	if err := gstpipe.AwaitFirstSample(ctx, elements, ready, s.cfg.OpenTimeout); err != nil {
		s.destroy()
		return err
	}
	return nil
}

// onImage runs on the GStreamer streaming thread.
func (s *gstStream) onImage(img gstpipe.Image) {
	s.dims.CompareAndSwap(nil, &Dimensions{Width: img.Width, Height: img.Height})
	if d := s.dims.Load(); img.Width != d.Width || img.Height != d.Height {
		// caps renegotiated after a reconnect; dimensions are fixed for the stream
		slog.Warn("capture: frame with unexpected dimensions dropped",
			"got", fmt.Sprintf("%dx%d", img.Width, img.Height),
			"want", d.String(),
		)
		return
	}

	frame := &Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     img.Width,
		Height:    img.Height,
		Data:      img.Data,
		Source:    s.cfg.Name,
		TraceID:   uuid.New().String(),
	}
	s.mailbox.publish(frame)

	slog.Debug("capture: frame captured",
		"seq", frame.Seq,
		"size_bytes", len(frame.Data),
		"trace_id", frame.TraceID,
	)
}

// run watches the bus; RTSP errors trigger reconnection, anything else
// closes the stream.
func (s *gstStream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		elements := s.elements
		s.mu.Unlock()

		err := gstpipe.Monitor(ctx, elements)
		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&s.pipelineErrors, 1)

		var perr *gstpipe.PipelineError
		category := "unknown"
		if errors.As(err, &perr) {
			category = perr.Category.String()
		}
		slog.Error("capture: pipeline error",
			"error", err,
			"category", category,
			"name", s.cfg.Name,
			"uptime", time.Since(s.started),
			"frames_captured", atomic.LoadUint64(&s.mailbox.captured),
			"reconnects", atomic.LoadUint32(&s.reconnects),
		)

		if s.cfg.Kind != KindRTSP {
			s.fail(err)
			return
		}

		err = gstpipe.Reconnect(ctx, s.connect, s.reconnect, &s.reconnects)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
	}
}

// fail closes the mailbox with ErrStreamClosed wrapping cause.
func (s *gstStream) fail(cause error) {
	slog.Error("capture: stream closed after unrecoverable error", "name", s.cfg.Name, "error", cause)
	s.mailbox.close(fmt.Errorf("%w: %w", ErrStreamClosed, cause))
	s.destroy()
}

func (s *gstStream) destroy() {
	s.mu.Lock()
	elements := s.elements
	s.elements = nil
	s.mu.Unlock()

	if err := gstpipe.Destroy(elements); err != nil {
		slog.Error("capture: failed to destroy pipeline", "error", err)
	}
}

func (s *gstStream) Dimensions() Dimensions {
	if d := s.dims.Load(); d != nil {
		return *d
	}
	return Dimensions{}
}

func (s *gstStream) NextFrame(ctx context.Context) (*Frame, error) {
	return s.mailbox.next(ctx)
}

// Close stops the bus monitor and releases the pipeline.
//
// Idempotent - safe to call multiple times.
func (s *gstStream) Close() error {
	s.closeOnce.Do(func() {
		slog.Info("capture: closing source", "name", s.cfg.Name)

		s.mailbox.close(ErrStreamClosed)
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			slog.Warn("capture: stop timeout exceeded, monitor may still be running")
		}

		s.destroy()

		slog.Info("capture: source closed",
			"frames_captured", atomic.LoadUint64(&s.mailbox.captured),
			"reconnects", atomic.LoadUint32(&s.reconnects),
			"uptime", time.Since(s.started),
		)
	})
	return nil
}

func (s *gstStream) Stats() Stats {
	st := Stats{
		Reconnects:     atomic.LoadUint32(&s.reconnects),
		PipelineErrors: atomic.LoadUint64(&s.pipelineErrors),
		Resolution:     s.Dimensions().String(),
	}
	s.mailbox.fill(&st, s.started)
	return st
}
