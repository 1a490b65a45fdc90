// Package capture opens live video sources and hands out RGB frames on demand.
//
// A Source is opened once and yields a Stream whose dimensions are fixed for
// its whole life. Frames are pulled, never pushed: the producer side keeps at
// most one latest frame and overwrites it when a newer one arrives, so a slow
// consumer always sees the freshest image and never drains a backlog.
//
// Implementations:
//
//	GstSource        GStreamer pipelines (v4l2 device, RTSP over TCP, videotestsrc)
//	SyntheticSource  pure-Go moving gradient, for demos and tests
//
// Usage:
//
//	src, err := capture.NewGstSource(capture.GstConfig{Kind: capture.KindDevice, Device: "/dev/video0"})
//	if err != nil {
//	    return err
//	}
//	stream, err := src.Open(ctx)
//	if err != nil {
//	    return err // wraps ErrPermissionDenied or ErrDeviceUnavailable
//	}
//	defer stream.Close()
//
//	for {
//	    frame, err := stream.NextFrame(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    // frame.Data is Width*Height*3 bytes, row-major RGB24
//	}
package capture
