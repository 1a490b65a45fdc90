package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

func TestNewSyntheticSource_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     capture.SyntheticConfig
		wantErr bool
	}{
		{name: "defaults", cfg: capture.SyntheticConfig{}},
		{name: "explicit", cfg: capture.SyntheticConfig{Width: 32, Height: 16, FPS: 60}},
		{name: "only width", cfg: capture.SyntheticConfig{Width: 32}, wantErr: true},
		{name: "negative height", cfg: capture.SyntheticConfig{Width: 32, Height: -1}, wantErr: true},
		{name: "fps too high", cfg: capture.SyntheticConfig{FPS: 1000}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := capture.NewSyntheticSource(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSyntheticSource() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyntheticStream_Frames(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 8, Height: 4, FPS: 200})
	if err != nil {
		t.Fatalf("NewSyntheticSource() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := src.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	if d := stream.Dimensions(); d.Width != 8 || d.Height != 4 {
		t.Fatalf("Dimensions() = %v, want 8x4", d)
	}

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		frame, err := stream.NextFrame(ctx)
		if err != nil {
			t.Fatalf("NextFrame() error = %v", err)
		}
		if frame.Seq <= lastSeq {
			t.Errorf("frame %d Seq = %d, want > %d", i, frame.Seq, lastSeq)
		}
		if len(frame.Data) != 8*4*3 {
			t.Errorf("len(Data) = %d, want %d", len(frame.Data), 8*4*3)
		}
		if frame.TraceID == "" {
			t.Error("frame without trace id")
		}
		lastSeq = frame.Seq
	}

	t.Logf("stats after 5 frames: %+v", stream.Stats())
}

func TestSyntheticStream_CloseIsIdempotent(t *testing.T) {
	src, _ := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 4})
	stream, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := stream.NextFrame(context.Background()); !errors.Is(err, capture.ErrStreamClosed) {
		t.Errorf("NextFrame() after Close error = %v, want ErrStreamClosed", err)
	}
	if stream.Stats().IsConnected {
		t.Error("Stats().IsConnected = true after Close")
	}
}

func TestSyntheticStream_MaxFrames(t *testing.T) {
	src, _ := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 4, FPS: 200, MaxFrames: 3})
	stream, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		_, err := stream.NextFrame(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, capture.ErrStreamClosed) {
			t.Fatalf("NextFrame() error = %v, want ErrStreamClosed", err)
		}
		break
	}
}
