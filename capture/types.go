package capture

import (
	"fmt"
	"time"
)

// Frame is one captured RGB24 image.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the stream (starts at 1).
	Seq uint64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data is row-major RGB24, exactly Width*Height*3 bytes, no row padding.
	Data []byte
	// Source labels where the frame came from (e.g. "/dev/video0", "synthetic").
	Source string
	// TraceID follows the frame through estimation and rendering logs.
	TraceID string
}

// Dimensions is the intrinsic resolution of a stream.
type Dimensions struct {
	Width  int
	Height int
}

// String returns "WxH".
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// Stats contains current stream statistics.
type Stats struct {
	// FramesCaptured is the number of frames produced by the source.
	FramesCaptured uint64 `json:"frames_captured"`
	// FramesDelivered is the number of frames returned by NextFrame.
	FramesDelivered uint64 `json:"frames_delivered"`
	// FramesDropped counts frames overwritten before anyone pulled them.
	FramesDropped uint64 `json:"frames_dropped"`
	// BytesRead is the total payload size of captured frames.
	BytesRead uint64 `json:"bytes_read"`
	// Reconnects is the number of reconnection attempts.
	Reconnects uint32 `json:"reconnects"`
	// PipelineErrors counts bus errors seen after Open.
	PipelineErrors uint64 `json:"pipeline_errors"`
	// Resolution is the stream resolution (e.g. "1280x720").
	Resolution string `json:"resolution"`
	// FPSReal is frames captured divided by uptime.
	FPSReal float64 `json:"fps_real"`
	// LatencyMS is the time since the last captured frame.
	LatencyMS int64 `json:"latency_ms"`
	// IsConnected is false once the stream is closed.
	IsConnected bool `json:"is_connected"`
}

// FPSStats contains statistics collected by MeasureFPS.
type FPSStats struct {
	FramesReceived int           // Number of frames received during the measurement
	Duration       time.Duration // Actual measurement duration
	FPSMean        float64       // Mean FPS across all frames
	FPSStdDev      float64       // Standard deviation of instantaneous FPS
	FPSMin         float64       // Minimum instantaneous FPS
	FPSMax         float64       // Maximum instantaneous FPS
	IsStable       bool          // stddev < 15% of mean AND jitter < 20% of interval
	JitterMean     float64       // Average inter-frame interval deviation (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Maximum jitter observed (seconds)
}
