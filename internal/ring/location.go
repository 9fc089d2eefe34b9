// Package ring implements the overlay's address space and neighbor table.
//
// Every peer sits at a Location on a ring of circumference 1. Routing
// forwards a request to the neighbor whose location is closest to the
// target, except during the first hops of a request where a random
// neighbor is picked instead.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"lukechampine.com/blake3"
)

// ErrInvalidLocation is returned for values outside [0, 1).
var ErrInvalidLocation = errors.New("ring: location out of range")

// Location is a point on the ring, always in [0, 1).
type Location float64

// NewLocation validates v and returns it as a Location.
func NewLocation(v float64) (Location, error) {
	if math.IsNaN(v) || v < 0 || v >= 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidLocation, v)
	}
	return Location(v), nil
}

// LocationFromBytes maps arbitrary bytes (a contract key, a socket address)
// to a uniformly distributed location.
func LocationFromBytes(b []byte) Location {
	sum := blake3.Sum256(b)
	// top 53 bits give an exact float64 in [0, 1)
	u := binary.BigEndian.Uint64(sum[:8]) >> 11
	return Location(float64(u) / (1 << 53))
}

// RandomLocation returns a uniformly random location.
func RandomLocation() Location {
	return Location(rand.Float64())
}

// Distance returns the ring distance between l and other, in [0, 0.5].
func (l Location) Distance(other Location) float64 {
	return Distance(l, other)
}

func (l Location) String() string {
	return fmt.Sprintf("%.6f", float64(l))
}

// Distance returns min(|a-b|, 1-|a-b|).
func Distance(a, b Location) float64 {
	d := math.Abs(float64(a) - float64(b))
	return math.Min(d, 1-d)
}
