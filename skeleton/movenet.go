package skeleton

// MoveNetKeypoints is the 17-keypoint COCO ordering returned by MoveNet
// single-pose models.
var MoveNetKeypoints = []string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// MoveNetBones are the limb and torso connections drawn by default.
// Face keypoints are shown as markers only.
var MoveNetBones = []Bone{
	// arms
	{5, 7}, {7, 9}, {6, 8}, {8, 10},
	// torso
	{5, 6}, {11, 12},
	// legs
	{11, 13}, {13, 15}, {12, 14}, {14, 16},
}

var moveNet = MustNew(MoveNetKeypoints, MoveNetBones)

// MoveNet returns the default 17-keypoint topology.
func MoveNet() *Topology {
	return moveNet
}
