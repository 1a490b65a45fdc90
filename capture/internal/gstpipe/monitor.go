package gstpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// pollInterval bounds how long a bus poll blocks, keeping shutdown responsive.
const pollInterval = 50 * time.Millisecond

// ErrOpenTimeout is returned by AwaitFirstSample when no frame arrived in time.
var ErrOpenTimeout = errors.New("gstpipe: no frame before open timeout")

// Play sets the pipeline to PLAYING.
func Play(el *Elements) error {
	if err := el.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstpipe: failed to start pipeline: %w", err)
	}
	return nil
}

// AwaitFirstSample polls the bus until ready reports true, a bus error or
// EOS arrives, the timeout elapses, or ctx is done.
//
// Bus errors are returned as *PipelineError so the caller can classify them.
func AwaitFirstSample(ctx context.Context, el *Elements, ready func() bool, timeout time.Duration) error {
	bus := el.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for {
		if ready() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (%s)", ErrOpenTimeout, timeout)
		}

		msg := bus.TimedPop(pollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			return FromGError(msg.ParseError())
		case gst.MessageEOS:
			return &PipelineError{Category: CategoryNotFound, Message: "end of stream before first frame"}
		}
	}
}

// Monitor watches the pipeline bus until an error or EOS arrives, returning
// it as *PipelineError. Returns nil when ctx is cancelled.
func Monitor(ctx context.Context, el *Elements) error {
	if el == nil || el.Pipeline == nil {
		return fmt.Errorf("gstpipe: pipeline not initialized")
	}
	bus := el.Pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstpipe: context cancelled, stopping pipeline monitor")
			return nil
		default:
		}

		msg := bus.TimedPop(pollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return &PipelineError{Category: CategoryNetwork, Message: "end of stream"}

		case gst.MessageError:
			return FromGError(msg.ParseError())

		case gst.MessageStateChanged:
			if msg.Source() == el.Pipeline.GetName() {
				old, cur := msg.ParseStateChanged()
				slog.Debug("gstpipe: pipeline state changed", "from", old, "to", cur)
			}
		}
	}
}
