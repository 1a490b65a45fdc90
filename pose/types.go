// Package pose defines the pose-estimation boundary and its backends.
//
// An Estimator turns one captured frame into zero or more poses, each a list
// of keypoints in frame pixel coordinates with a confidence score. Backends:
//
//	PythonEstimator  long-lived subprocess, length-prefixed msgpack over stdio
//	HTTPEstimator    JPEG POST to an inference server, JSON response
//	MockEstimator    animated stick figure, no model required
package pose

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

// ErrEstimatorClosed is returned by Estimate after Close.
var ErrEstimatorClosed = errors.New("pose: estimator closed")

// Keypoint is one estimated body point. X and Y are frame pixels.
type Keypoint struct {
	Index int     `json:"index"`
	Name  string  `json:"name,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Pose is one detected person.
type Pose struct {
	Score     float64    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// Estimator is the pose model boundary.
//
// Estimate is called by a single goroutine at a time. Implementations do not
// retain the frame after returning.
type Estimator interface {
	Estimate(ctx context.Context, frame *capture.Frame) ([]Pose, error)
	Close() error
}

// ModelError reports a failure inside the model backend: a crashed worker,
// an error reply, a malformed payload or a timeout.
type ModelError struct {
	Backend string // "python", "http", "mock"
	Seq     uint64 // frame sequence the request was for
	Reason  string
	Err     error
}

func (e *ModelError) Error() string {
	msg := fmt.Sprintf("pose: %s model error (seq %d): %s", e.Backend, e.Seq, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModelError) Unwrap() error { return e.Err }
