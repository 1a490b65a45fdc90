package pose

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize rejects corrupt length prefixes before allocating.
const maxMessageSize = 64 << 20

type request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
}

// response is shared by the msgpack worker and the HTTP server.
type response struct {
	Seq    uint64     `msgpack:"seq" json:"seq"`
	Poses  []wirePose `msgpack:"poses" json:"poses"`
	Timing wireTiming `msgpack:"timing" json:"timing"`
	Error  string     `msgpack:"error,omitempty" json:"error,omitempty"`
}

type wirePose struct {
	Score     float64        `msgpack:"score" json:"score"`
	Keypoints []wireKeypoint `msgpack:"keypoints" json:"keypoints"`
}

type wireKeypoint struct {
	X     float64 `msgpack:"x" json:"x"`
	Y     float64 `msgpack:"y" json:"y"`
	Score float64 `msgpack:"score" json:"score"`
	Name  string  `msgpack:"name,omitempty" json:"name,omitempty"`
}

type wireTiming struct {
	TotalMS     float64 `msgpack:"total_ms" json:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms" json:"inference_ms"`
}

// writeMessage writes v as a 4-byte big-endian length followed by msgpack.
// Prefix and payload go out in a single Write.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit %d", n, maxMessageSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("truncated message: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// toPoses converts wire poses, scaling coordinates by (sx, sy).
// Non-finite values are rejected rather than drawn.
func toPoses(in []wirePose, sx, sy float64) ([]Pose, error) {
	out := make([]Pose, 0, len(in))
	for p, wp := range in {
		pose := Pose{Score: wp.Score, Keypoints: make([]Keypoint, len(wp.Keypoints))}
		for i, k := range wp.Keypoints {
			if !finite(k.X) || !finite(k.Y) || !finite(k.Score) {
				return nil, fmt.Errorf("pose %d keypoint %d has non-finite values", p, i)
			}
			pose.Keypoints[i] = Keypoint{
				Index: i,
				Name:  k.Name,
				X:     k.X * sx,
				Y:     k.Y * sy,
				Score: k.Score,
			}
		}
		out = append(out, pose)
	}
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
