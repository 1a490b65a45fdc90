package gstpipe

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Image is a tightly packed RGB24 image copied out of a GStreamer buffer.
type Image struct {
	Width  int
	Height int
	Data   []byte
}

// SampleHandler receives every decoded image. It runs on a GStreamer
// streaming thread and must not block.
type SampleHandler func(img Image)

// OnNewSample is called by GStreamer when a new frame is available.
//
// This callback:
//  1. Pulls the sample from the appsink
//  2. Reads width/height from the negotiated caps
//  3. Maps the buffer and copies the pixels out with row padding removed
//  4. Hands the image to handle
//
// A bad sample is skipped rather than failing the pipeline.
func OnNewSample(sink *app.Sink, handle SampleHandler) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstpipe: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	width, height, err := capsDimensions(sample.GetCaps())
	if err != nil {
		slog.Warn("gstpipe: sample without usable caps, skipping frame", "error", err)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstpipe: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data, err := PackRGB(mapInfo.Bytes(), width, height)
	buffer.Unmap()
	if err != nil {
		slog.Warn("gstpipe: malformed buffer, skipping frame", "error", err)
		return gst.FlowOK
	}

	handle(Image{Width: width, Height: height, Data: data})
	return gst.FlowOK
}

// OnPadAdded links a dynamic rtspsrc pad to the depayloader.
func OnPadAdded(srcPad *gst.Pad, depay *gst.Element) {
	slog.Debug("gstpipe: pad-added signal received", "pad", srcPad.GetName())

	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstpipe: failed to get sink pad from rtph264depay")
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstpipe: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("gstpipe: pads linked",
		"src_pad", srcPad.GetName(),
		"sink_pad", sinkPad.GetName(),
	)
}

func capsDimensions(caps *gst.Caps) (int, int, error) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, fmt.Errorf("gstpipe: sample has no caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("gstpipe: caps without width: %w", err)
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("gstpipe: caps without height: %w", err)
	}
	width, ok1 := w.(int)
	height, ok2 := h.(int)
	if !ok1 || !ok2 || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("gstpipe: invalid caps dimensions %v x %v", w, h)
	}
	return width, height, nil
}

// PackRGB copies an RGB24 buffer into a new slice of exactly width*height*3
// bytes, dropping any per-row stride padding GStreamer added.
func PackRGB(data []byte, width, height int) ([]byte, error) {
	row := width * 3
	want := row * height
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gstpipe: invalid dimensions %dx%d", width, height)
	}
	if len(data) < want {
		return nil, fmt.Errorf("gstpipe: buffer too short: got %d bytes, want %d", len(data), want)
	}

	out := make([]byte, want)
	stride := len(data) / height
	if stride == row {
		copy(out, data[:want])
		return out, nil
	}
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out, nil
}
