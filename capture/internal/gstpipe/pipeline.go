// Package gstpipe builds and watches the GStreamer pipelines behind
// capture.GstSource.
package gstpipe

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Kind selects the pipeline head.
type Kind int

const (
	// KindDevice captures from a V4L2 device.
	KindDevice Kind = iota
	// KindRTSP pulls H.264 over RTSP (TCP only).
	KindRTSP
	// KindTest uses videotestsrc.
	KindTest
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindRTSP:
		return "rtsp"
	case KindTest:
		return "test"
	default:
		return "unknown"
	}
}

// Config contains configuration for pipeline creation.
type Config struct {
	Kind    Kind
	Device  string // KindDevice: e.g. /dev/video0
	URL     string // KindRTSP
	Pattern int    // KindTest: videotestsrc pattern id
	// Width and Height constrain the output caps. Zero keeps the
	// resolution the source negotiates on its own.
	Width  int
	Height int
	// FPS constrains the framerate caps. Zero keeps the source rate.
	FPS float64
}

// Elements holds references to the pipeline elements needed after creation.
type Elements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Head     *gst.Element
}

// Create builds a pipeline for cfg.
//
// Pipeline structure:
//
//	device: v4l2src → videoconvert → videoscale → capsfilter → appsink
//	rtsp:   rtspsrc ⇢ rtph264depay → avdec_h264 → videoconvert → videoscale → capsfilter → appsink
//	test:   videotestsrc → videoconvert → videoscale → capsfilter → appsink
//
// The capsfilter always locks format=RGB. The appsink keeps one buffer and
// drops older ones. The pipeline is returned in NULL state.
func Create(cfg Config) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: failed to create pipeline: %w", err)
	}

	var head []*gst.Element
	var dynamic *gst.Element
	switch cfg.Kind {
	case KindDevice:
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("gstpipe: failed to create v4l2src: %w", err)
		}
		if cfg.Device != "" {
			src.SetProperty("device", cfg.Device)
		}
		head = []*gst.Element{src}

	case KindRTSP:
		src, err := gst.NewElement("rtspsrc")
		if err != nil {
			return nil, fmt.Errorf("gstpipe: failed to create rtspsrc: %w", err)
		}
		src.SetProperty("location", cfg.URL)
		src.SetProperty("protocols", 4) // TCP only
		src.SetProperty("latency", 200)
		src.SetProperty("tcp-timeout", uint64(10000000))

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return nil, fmt.Errorf("gstpipe: failed to create rtph264depay: %w", err)
		}
		depay.SetProperty("request-keyframe", true)

		dec, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("gstpipe: failed to create avdec_h264: %w", err)
		}
		dec.SetProperty("max-threads", 0)
		dec.SetProperty("output-corrupt", false)

		// rtspsrc pads appear at runtime; linked in OnPadAdded
		dynamic = src
		head = []*gst.Element{src, depay, dec}

	case KindTest:
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("gstpipe: failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		if cfg.Pattern > 0 {
			src.SetProperty("pattern", cfg.Pattern)
		}
		head = []*gst.Element{src}

	default:
		return nil, fmt.Errorf("gstpipe: invalid pipeline kind %d", cfg.Kind)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: failed to create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(BuildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstpipe: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	all := append(append([]*gst.Element{}, head...), convert, scale, capsfilter, appsink.Element)
	if err := pipeline.AddMany(all...); err != nil {
		return nil, fmt.Errorf("gstpipe: failed to add elements: %w", err)
	}

	linked := all
	if dynamic != nil {
		linked = all[1:]
		depay := all[1]
		dynamic.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			OnPadAdded(srcPad, depay)
		})
	}
	if err := gst.ElementLinkMany(linked...); err != nil {
		return nil, fmt.Errorf("gstpipe: failed to link %s pipeline: %w", cfg.Kind, err)
	}

	slog.Debug("gstpipe: pipeline created",
		"kind", cfg.Kind.String(),
		"caps", BuildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &Elements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Head:     head[0],
	}, nil
}

// Destroy sets the pipeline to NULL, releasing the device or connection.
// Safe to call with nil.
func Destroy(el *Elements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstpipe: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// BuildCaps builds the appsink caps string.
//
// Handles fractional framerates:
//   - fps >= 1.0: framerate = fps/1 (e.g., 5.0 → 5/1)
//   - fps < 1.0: framerate = 1/(1/fps) (e.g., 0.5 → 1/2)
func BuildCaps(width, height int, fps float64) string {
	var b strings.Builder
	b.WriteString("video/x-raw,format=RGB")
	if width > 0 && height > 0 {
		fmt.Fprintf(&b, ",width=%d,height=%d", width, height)
	}
	if fps > 0 {
		num, den := 1, 1
		if fps < 1.0 {
			den = int(1.0 / fps)
		} else {
			num = int(fps)
		}
		fmt.Fprintf(&b, ",framerate=%d/%d", num, den)
	}
	return b.String()
}
