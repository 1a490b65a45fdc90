package capture

import "context"

// Source is a live frame source that has not been opened yet.
type Source interface {
	// Open acquires the device or connection and blocks until the stream
	// dimensions are known.
	//
	// Returns an error wrapping ErrPermissionDenied or ErrDeviceUnavailable
	// when the source cannot be acquired.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an opened source.
//
// Implementations must guarantee:
//   - Dimensions() is stable for the life of the stream
//   - NextFrame() never returns (nil, nil)
//   - NextFrame() returns frames with strictly increasing Seq
//   - Close() is idempotent
//   - Stats() is safe to call from any goroutine
type Stream interface {
	// Dimensions returns the intrinsic resolution reported by the source.
	Dimensions() Dimensions

	// NextFrame suspends until a frame newer than the last one returned is
	// available, ctx is done, or the stream is closed (ErrStreamClosed).
	NextFrame(ctx context.Context) (*Frame, error)

	// Close releases the device or connection.
	Close() error

	// Stats returns current stream statistics.
	Stats() Stats
}
