package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/e7canasta/orion-pose-overlay/loop"
)

// Keypoint is one visible joint in frame pixels.
type Keypoint struct {
	Index      int     `json:"index"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// PoseKeypoints is the pose_keypoints message body.
type PoseKeypoints struct {
	InstanceID    string              `json:"instance_id"`
	InferenceType string              `json:"inference_type"`
	Seq           uint64              `json:"seq"`
	TraceID       string              `json:"trace_id"`
	Keypoints     map[string]Keypoint `json:"keypoints"`
	Bones         int                 `json:"bones"`
	Metadata      Metadata            `json:"metadata"`
	Timestamp     string              `json:"timestamp"`
}

// Metadata describes the painted frame.
type Metadata struct {
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FrameWidth       int     `json:"frame_width"`
	FrameHeight      int     `json:"frame_height"`
}

// NewPoseKeypoints builds the message for a completed cycle. Keypoints
// without a name are keyed by their index.
func NewPoseKeypoints(instanceID string, r loop.CycleReport) *PoseKeypoints {
	kps := make(map[string]Keypoint, len(r.Visible))
	for _, kp := range r.Visible {
		name := kp.Name
		if name == "" {
			name = strconv.Itoa(kp.Index)
		}
		kps[name] = Keypoint{
			Index:      kp.Index,
			X:          round2(kp.X),
			Y:          round2(kp.Y),
			Confidence: round2(kp.Score),
		}
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &PoseKeypoints{
		InstanceID:    instanceID,
		InferenceType: "pose_keypoints",
		Seq:           r.Seq,
		TraceID:       r.TraceID,
		Keypoints:     kps,
		Bones:         r.Bones,
		Metadata: Metadata{
			ProcessingTimeMs: round2(float64(r.Inference.Microseconds()) / 1000),
			FrameWidth:       r.Width,
			FrameHeight:      r.Height,
		},
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// ToJSON encodes the message.
func (p *PoseKeypoints) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
