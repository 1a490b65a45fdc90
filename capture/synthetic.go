package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyntheticConfig configures a SyntheticSource.
type SyntheticConfig struct {
	Width  int     // default 640
	Height int     // default 480
	FPS    float64 // default 30
	// MaxFrames closes the stream with ErrStreamClosed after that many
	// frames. Zero means unlimited.
	MaxFrames uint64
	// Name labels frames (default "synthetic").
	Name string
}

// SyntheticSource generates a moving RGB gradient at a fixed rate.
// It needs no camera and no GStreamer.
type SyntheticSource struct {
	cfg SyntheticConfig
}

// NewSyntheticSource validates cfg and fills defaults.
func NewSyntheticSource(cfg SyntheticConfig) (*SyntheticSource, error) {
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid synthetic resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	if cfg.FPS < 0.1 || cfg.FPS > 240 {
		return nil, fmt.Errorf("capture: invalid synthetic FPS %.2f (must be 0.1-240)", cfg.FPS)
	}
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	return &SyntheticSource{cfg: cfg}, nil
}

// Open starts the generator. The first frame is produced before Open
// returns, so NextFrame never waits a full interval on the first call.
func (s *SyntheticSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &syntheticStream{
		cfg:     s.cfg,
		mailbox: newLatest(),
		started: time.Now(),
		cancel:  cancel,
	}
	st.emit()

	st.wg.Add(1)
	go st.run(runCtx)

	slog.Info("capture: synthetic source opened",
		"resolution", st.Dimensions().String(),
		"fps", s.cfg.FPS,
	)
	return st, nil
}

type syntheticStream struct {
	cfg     SyntheticConfig
	mailbox *latest
	started time.Time
	seq     uint64 // only touched by emit, which never runs concurrently

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *syntheticStream) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.MaxFrames > 0 && s.seq >= s.cfg.MaxFrames {
				slog.Info("capture: synthetic source exhausted", "frames", s.seq)
				s.mailbox.close(fmt.Errorf("%w: synthetic source exhausted after %d frames",
					ErrStreamClosed, s.seq))
				return
			}
			s.emit()
		}
	}
}

func (s *syntheticStream) emit() {
	s.seq++
	s.mailbox.publish(&Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      Gradient(s.cfg.Width, s.cfg.Height, int(s.seq)),
		Source:    s.cfg.Name,
		TraceID:   uuid.New().String(),
	})
}

// Gradient renders a diagonal RGB gradient shifted by phase pixels.
func Gradient(width, height, phase int) []byte {
	data := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			data[i] = byte((x + phase) * 255 / (width + 1))
			data[i+1] = byte((y + phase) * 255 / (height + 1))
			data[i+2] = byte((x + y + phase) % 256)
		}
	}
	return data
}

func (s *syntheticStream) Dimensions() Dimensions {
	return Dimensions{Width: s.cfg.Width, Height: s.cfg.Height}
}

func (s *syntheticStream) NextFrame(ctx context.Context) (*Frame, error) {
	return s.mailbox.next(ctx)
}

func (s *syntheticStream) Close() error {
	s.closeOnce.Do(func() {
		s.mailbox.close(ErrStreamClosed)
		s.cancel()
		s.wg.Wait()
		slog.Info("capture: synthetic source closed", "frames", s.seq)
	})
	return nil
}

func (s *syntheticStream) Stats() Stats {
	st := Stats{Resolution: s.Dimensions().String()}
	s.mailbox.fill(&st, s.started)
	return st
}
