package capture

import "errors"

var (
	// ErrPermissionDenied is returned by Open when the OS or the remote
	// endpoint refuses access to the source.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable is returned by Open when the source is missing,
	// busy, unreachable or never produced a frame.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrStreamClosed is returned by NextFrame once the stream has been closed
	// or has failed for good (for example after reconnection gave up).
	ErrStreamClosed = errors.New("capture: stream closed")
)
