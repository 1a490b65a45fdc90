package pose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

func TestMockEstimator(t *testing.T) {
	m := NewMockEstimator(0)
	defer m.Close()

	frame := &capture.Frame{Seq: 1, Width: 64, Height: 48, Data: make([]byte, 64*48*3)}
	poses, err := m.Estimate(context.Background(), frame)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if len(poses) != 1 {
		t.Fatalf("got %d poses, want 1", len(poses))
	}

	kps := poses[0].Keypoints
	if len(kps) != skeleton.MoveNet().KeypointCount() {
		t.Fatalf("got %d keypoints, want %d", len(kps), skeleton.MoveNet().KeypointCount())
	}
	for i, kp := range kps {
		if kp.Index != i {
			t.Errorf("keypoint %d has Index %d", i, kp.Index)
		}
		if kp.X < 0 || kp.X > 64 || kp.Y < 0 || kp.Y > 48 {
			t.Errorf("keypoint %s at (%.1f,%.1f) is outside the 64x48 frame", kp.Name, kp.X, kp.Y)
		}
	}
}

func TestMockEstimator_RejectsBadFrame(t *testing.T) {
	m := NewMockEstimator(0)
	_, err := m.Estimate(context.Background(), &capture.Frame{Width: 4, Height: 4, Data: make([]byte, 3)})
	var merr *ModelError
	if !errors.As(err, &merr) {
		t.Fatalf("Estimate() error = %v, want *ModelError", err)
	}
}

func TestMockEstimator_HonoursContext(t *testing.T) {
	m := NewMockEstimator(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	frame := &capture.Frame{Width: 1, Height: 1, Data: make([]byte, 3)}
	if _, err := m.Estimate(ctx, frame); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Estimate() error = %v, want DeadlineExceeded", err)
	}
}
