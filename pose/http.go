package pose

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures an HTTPEstimator.
type HTTPConfig struct {
	// Endpoint receives POST requests with a JPEG body (required).
	Endpoint string
	// InputSize is the square box the frame is fitted into before upload,
	// aspect preserved (default 256).
	InputSize int
	// JPEGQuality for the upload (default 85).
	JPEGQuality int
	// Timeout bounds one request (default 2s).
	Timeout time.Duration
	// Headers are added to every request (e.g. an API key).
	Headers map[string]string
}

// HTTPEstimator posts each frame to an inference server.
//
// The server replies with the python worker's response shape in JSON, with
// coordinates in the pixel space of the uploaded image. They are scaled back
// to frame pixels before returning.
type HTTPEstimator struct {
	cfg    HTTPConfig
	client *resty.Client
	closed atomic.Bool
}

// NewHTTPEstimator validates cfg and builds the client.
func NewHTTPEstimator(cfg HTTPConfig) (*HTTPEstimator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("pose: http endpoint is required")
	}
	if cfg.InputSize == 0 {
		cfg.InputSize = 256
	}
	if cfg.InputSize < 32 || cfg.InputSize > 4096 {
		return nil, fmt.Errorf("pose: invalid input size %d (must be 32-4096)", cfg.InputSize)
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 85
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("pose: invalid jpeg quality %d (must be 1-100)", cfg.JPEGQuality)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)

	slog.Info("pose: http estimator created",
		"endpoint", cfg.Endpoint,
		"input_size", cfg.InputSize,
		"timeout", cfg.Timeout,
	)
	return &HTTPEstimator{cfg: cfg, client: client}, nil
}

// Estimate uploads the fitted frame and returns poses in frame pixels.
func (e *HTTPEstimator) Estimate(ctx context.Context, frame *capture.Frame) ([]Pose, error) {
	if e.closed.Load() {
		return nil, ErrEstimatorClosed
	}

	fail := func(reason string, err error) error {
		return &ModelError{Backend: "http", Seq: frame.Seq, Reason: reason, Err: err}
	}

	img, err := RGBToNRGBA(frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, fail("invalid frame", err)
	}

	fitted := imaging.Fit(img, e.cfg.InputSize, e.cfg.InputSize, imaging.Linear)
	var body bytes.Buffer
	if err := imaging.Encode(&body, fitted, imaging.JPEG, imaging.JPEGQuality(e.cfg.JPEGQuality)); err != nil {
		return nil, fail("encode jpeg", err)
	}

	var out response
	start := time.Now()
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetHeader("X-Trace-ID", frame.TraceID).
		SetQueryParam("seq", strconv.FormatUint(frame.Seq, 10)).
		SetBody(body.Bytes()).
		ForceContentType("application/json").
		SetResult(&out).
		Post(e.cfg.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fail("request failed", err)
	}
	if resp.IsError() {
		return nil, fail(fmt.Sprintf("server returned %s", resp.Status()), nil)
	}
	if out.Error != "" {
		return nil, fail(out.Error, nil)
	}

	b := fitted.Bounds()
	sx := float64(frame.Width) / float64(b.Dx())
	sy := float64(frame.Height) / float64(b.Dy())
	poses, err := toPoses(out.Poses, sx, sy)
	if err != nil {
		return nil, fail("malformed reply", err)
	}

	slog.Debug("pose: http inference complete",
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
		"poses", len(poses),
		"upload_bytes", body.Len(),
		"round_trip_ms", time.Since(start).Milliseconds(),
		"inference_ms", out.Timing.InferenceMS,
	)
	return poses, nil
}

// Close marks the estimator closed. Idempotent.
func (e *HTTPEstimator) Close() error {
	e.closed.Store(true)
	return nil
}

// RGBToNRGBA converts packed RGB24 to an opaque *image.NRGBA.
func RGBToNRGBA(data []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if len(data) != width*height*3 {
		return nil, fmt.Errorf("invalid RGB data size: got %d bytes, expected %d (%dx%d*3)",
			len(data), width*height*3, width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 255
	}
	return img, nil
}
