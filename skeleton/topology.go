// Package skeleton holds the keypoint naming table and the bone graph used to
// draw a skeletal overlay.
//
// A Topology is validated once at construction and is immutable afterwards,
// so it can be shared between goroutines without synchronization.
package skeleton

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTopology is returned by New when the names or bones are inconsistent.
	ErrInvalidTopology = errors.New("skeleton: invalid topology")

	// ErrIndexOutOfRange is returned by NameOf for an index outside [0, K).
	ErrIndexOutOfRange = errors.New("skeleton: keypoint index out of range")
)

// Bone connects two keypoint indices.
type Bone struct {
	A int `yaml:"a" json:"a"`
	B int `yaml:"b" json:"b"`
}

// Topology is an ordered keypoint name table plus the bones between them.
type Topology struct {
	names []string
	index map[string]int
	bones []Bone
}

// New validates names and bones and returns an immutable Topology.
//
// Validation (fail-fast, never deferred to draw time):
//   - at least one keypoint
//   - names are non-empty and unique
//   - every bone satisfies 0 <= a,b < K and a != b
func New(names []string, bones []Bone) (*Topology, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no keypoints", ErrInvalidTopology)
	}

	index := make(map[string]int, len(names))
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: keypoint %d has an empty name", ErrInvalidTopology, i)
		}
		if prev, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: keypoint name %q used by %d and %d",
				ErrInvalidTopology, name, prev, i)
		}
		index[name] = i
	}

	k := len(names)
	for i, b := range bones {
		if b.A < 0 || b.A >= k || b.B < 0 || b.B >= k {
			return nil, fmt.Errorf("%w: bone %d (%d,%d) references a keypoint outside [0,%d)",
				ErrInvalidTopology, i, b.A, b.B, k)
		}
		if b.A == b.B {
			return nil, fmt.Errorf("%w: bone %d connects keypoint %d to itself",
				ErrInvalidTopology, i, b.A)
		}
	}

	t := &Topology{
		names: append([]string(nil), names...),
		index: index,
		bones: append([]Bone(nil), bones...),
	}
	return t, nil
}

// MustNew is like New but panics on error. Intended for package-level defaults.
func MustNew(names []string, bones []Bone) *Topology {
	t, err := New(names, bones)
	if err != nil {
		panic(err)
	}
	return t
}

// KeypointCount returns K.
func (t *Topology) KeypointCount() int {
	return len(t.names)
}

// NameOf returns the name of keypoint i.
func (t *Topology) NameOf(i int) (string, error) {
	if i < 0 || i >= len(t.names) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(t.names))
	}
	return t.names[i], nil
}

// IndexOf returns the index of the named keypoint.
func (t *Topology) IndexOf(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Names returns a copy of the ordered keypoint names.
func (t *Topology) Names() []string {
	return append([]string(nil), t.names...)
}

// Bones returns a copy of the bone list, in construction order.
func (t *Topology) Bones() []Bone {
	return append([]Bone(nil), t.bones...)
}
