package pose

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// MockEstimator returns one animated 17-keypoint figure per frame, centred
// in the frame, with a configurable processing latency.
//
// The wrists wave with the frame sequence and the face keypoints sit just
// under the default threshold, so both filtered markers and filtered bones
// are visible in a demo.
type MockEstimator struct {
	latency time.Duration
	closed  atomic.Bool

	// Statistics
	processed      atomic.Uint64
	totalLatencyMs atomic.Uint64
}

// NewMockEstimator creates a mock with the given per-frame latency.
func NewMockEstimator(latency time.Duration) *MockEstimator {
	return &MockEstimator{latency: latency}
}

// base layout in units of figure height, origin at the hip centre.
var mockLayout = [17][2]float64{
	// face
	{0, -0.62},
	{-0.03, -0.65}, {0.03, -0.65},
	{-0.06, -0.63}, {0.06, -0.63},
	// arms
	{-0.14, -0.45}, {0.14, -0.45},
	{-0.2, -0.22}, {0.2, -0.22},
	{-0.22, 0}, {0.22, 0},
	// legs
	{-0.09, 0}, {0.09, 0},
	{-0.1, 0.22}, {0.1, 0.22},
	{-0.1, 0.45}, {0.1, 0.45},
}

// Estimate validates the frame, sleeps for the configured latency and
// returns the figure.
func (m *MockEstimator) Estimate(ctx context.Context, frame *capture.Frame) ([]Pose, error) {
	if m.closed.Load() {
		return nil, ErrEstimatorClosed
	}
	expectedSize := frame.Width * frame.Height * 3
	if len(frame.Data) != expectedSize {
		return nil, &ModelError{
			Backend: "mock",
			Seq:     frame.Seq,
			Reason:  fmt.Sprintf("invalid RGB data size: got %d bytes, expected %d", len(frame.Data), expectedSize),
		}
	}

	start := time.Now()
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	pose := MockPose(frame.Width, frame.Height, frame.Seq)

	m.processed.Add(1)
	m.totalLatencyMs.Add(uint64(time.Since(start).Milliseconds()))
	slog.Debug("pose: mock inference", "seq", frame.Seq, "elapsed_ms", time.Since(start).Milliseconds())

	return []Pose{pose}, nil
}

// MockPose builds the figure for a frame of the given size at step seq.
func MockPose(width, height int, seq uint64) Pose {
	h := float64(height) * 0.8
	cx, cy := float64(width)/2, float64(height)*0.55
	wave := math.Sin(float64(seq) / 8)

	kps := make([]Keypoint, len(mockLayout))
	for i, p := range mockLayout {
		x, y := p[0], p[1]
		score := 0.9
		switch {
		case i <= 4:
			score = 0.45 // face: below threshold
		case i == 9 || i == 10:
			y -= 0.25 + 0.2*wave
			score = 0.7 + 0.25*wave
		}
		kps[i] = Keypoint{
			Index: i,
			Name:  skeleton.MoveNetKeypoints[i],
			X:     cx + x*h,
			Y:     cy + y*h,
			Score: score,
		}
	}
	return Pose{Score: 0.9, Keypoints: kps}
}

// Close marks the mock closed. Idempotent.
func (m *MockEstimator) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		slog.Info("pose: mock estimator closed", "processed", m.processed.Load(), "avg_latency_ms", m.avgLatencyMS())
	}
	return nil
}

func (m *MockEstimator) avgLatencyMS() float64 {
	n := m.processed.Load()
	if n == 0 {
		return 0
	}
	return float64(m.totalLatencyMs.Load()) / float64(n)
}
