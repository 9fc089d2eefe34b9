package ring

import (
	"errors"
	"fmt"
	"math"
)

// MaxSegmentDepth is the deepest subdivision a Segment can express.
const MaxSegmentDepth = 63

var ErrInvalidSegment = errors.New("ring: invalid segment")

// Segment is one of the 2^Depth equal arcs the ring splits into at a
// given depth. Depth 0 is the whole ring.
type Segment struct {
	Depth    uint8  `msgpack:"depth" yaml:"depth"`
	Position uint64 `msgpack:"position" yaml:"position"`
}

// NewSegment validates position against depth.
func NewSegment(depth uint8, position uint64) (Segment, error) {
	if depth > MaxSegmentDepth {
		return Segment{}, fmt.Errorf("%w: depth %d exceeds %d", ErrInvalidSegment, depth, MaxSegmentDepth)
	}
	if depth == 0 {
		if position != 0 {
			return Segment{}, fmt.Errorf("%w: depth 0 requires position 0, got %d", ErrInvalidSegment, position)
		}
		return Segment{}, nil
	}
	if position >= uint64(1)<<depth {
		return Segment{}, fmt.Errorf("%w: position %d out of range for depth %d", ErrInvalidSegment, position, depth)
	}
	return Segment{Depth: depth, Position: position}, nil
}

// EnclosingSegment returns the segment at depth containing l. Inputs
// outside [0, 1] fail. l == 1 maps one past the last arc and fails too.
func EnclosingSegment(l float64, depth uint8) (Segment, error) {
	if math.IsNaN(l) || l < 0 || l > 1 {
		return Segment{}, fmt.Errorf("%w: %v", ErrInvalidLocation, l)
	}
	if depth > MaxSegmentDepth {
		return Segment{}, fmt.Errorf("%w: depth %d exceeds %d", ErrInvalidSegment, depth, MaxSegmentDepth)
	}
	pos := math.Floor(l * math.Ldexp(1, int(depth)))
	return NewSegment(depth, uint64(pos))
}

// Contains reports whether l falls inside s.
func (s Segment) Contains(l Location) bool {
	got, err := EnclosingSegment(float64(l), s.Depth)
	return err == nil && got == s
}

// Start returns the lowest location in s.
func (s Segment) Start() Location {
	return Location(math.Ldexp(float64(s.Position), -int(s.Depth)))
}

// Width returns the arc length of s.
func (s Segment) Width() float64 {
	return math.Ldexp(1, -int(s.Depth))
}
