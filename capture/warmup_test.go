package capture_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

// generateFrameTimes returns n timestamps at fps with uniform jitter of
// ±jitterFraction of the interval.
func generateFrameTimes(n int, fps, jitterFraction float64, seed int64) []time.Time {
	r := rand.New(rand.NewSource(seed))
	interval := time.Duration(float64(time.Second) / fps)
	start := time.Unix(0, 0)

	times := make([]time.Time, n)
	for i := range times {
		offset := (r.Float64()*2 - 1) * jitterFraction * float64(interval)
		times[i] = start.Add(time.Duration(i)*interval + time.Duration(offset))
	}
	return times
}

func TestCalculateFPSStats_Stability(t *testing.T) {
	t.Run("perfect cadence is stable", func(t *testing.T) {
		times := generateFrameTimes(30, 10, 0, 1)
		stats := capture.CalculateFPSStats(times, 3*time.Second)
		if !stats.IsStable {
			t.Errorf("IsStable = false, stats %+v", stats)
		}
		if stats.FPSMin != stats.FPSMax {
			t.Errorf("FPSMin %.3f != FPSMax %.3f for a perfect cadence", stats.FPSMin, stats.FPSMax)
		}
	})

	t.Run("heavy jitter is unstable", func(t *testing.T) {
		times := generateFrameTimes(50, 10, 0.45, 2)
		stats := capture.CalculateFPSStats(times, 5*time.Second)
		if stats.IsStable {
			t.Errorf("IsStable = true with 45%% jitter (stddev %.2f, jitter %.4fs)",
				stats.FPSStdDev, stats.JitterMean)
		}
	})
}

func TestCalculateFPSStats_EdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		frameTimes []time.Time
		duration   time.Duration
	}{
		{name: "zero frames", frameTimes: nil, duration: time.Second},
		{name: "one frame", frameTimes: []time.Time{time.Unix(0, 0)}, duration: time.Second},
		{name: "identical timestamps", frameTimes: []time.Time{time.Unix(0, 0), time.Unix(0, 0)}, duration: time.Second},
		{name: "zero duration", frameTimes: generateFrameTimes(3, 10, 0, 3), duration: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := capture.CalculateFPSStats(tt.frameTimes, tt.duration)
			if stats.IsStable {
				t.Errorf("IsStable = true for degenerate input")
			}
			if stats.FramesReceived != len(tt.frameTimes) {
				t.Errorf("FramesReceived = %d, want %d", stats.FramesReceived, len(tt.frameTimes))
			}
		})
	}
}

func TestMeasureFPS_Synthetic(t *testing.T) {
	src, err := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 4, FPS: 100})
	if err != nil {
		t.Fatalf("NewSyntheticSource() error = %v", err)
	}
	stream, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	stats, err := capture.MeasureFPS(context.Background(), stream, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("MeasureFPS() error = %v", err)
	}
	if stats.FramesReceived < 2 {
		t.Errorf("FramesReceived = %d, want >= 2", stats.FramesReceived)
	}
	t.Logf("measured %.1f fps (stddev %.1f, stable %v)", stats.FPSMean, stats.FPSStdDev, stats.IsStable)
}

func TestMeasureFPS_ClosedStream(t *testing.T) {
	src, _ := capture.NewSyntheticSource(capture.SyntheticConfig{Width: 4, Height: 4})
	stream, _ := src.Open(context.Background())
	stream.Close()

	if _, err := capture.MeasureFPS(context.Background(), stream, 100*time.Millisecond); err == nil {
		t.Fatal("MeasureFPS() on a closed stream returned nil error")
	}
}
