package loop

// State is the loop lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateAwaitingCapture
	StateReady
	StateDetecting
	StateRendering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingCapture:
		return "awaiting_capture"
	case StateReady:
		return "ready"
	case StateDetecting:
		return "detecting"
	case StateRendering:
		return "rendering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Serving reports whether the loop is past setup and painting frames.
func (s State) Serving() bool {
	return s == StateReady || s == StateDetecting || s == StateRendering
}
