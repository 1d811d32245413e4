package types

import "fmt"

// Point is a 2D pixel coordinate in source-frame space
type Point struct {
	X float64
	Y float64
}

// Landmarks holds the 5 facial keypoints in fixed order:
// left eye, right eye, nose tip, left mouth corner, right mouth corner.
type Landmarks [5]Point

// BoundingBox is (x, y, width, height) in source-frame pixels
type BoundingBox struct {
	X, Y int
	W, H int
}

// Detection is one face box reported by the detector collaborator
type Detection struct {
	Box        BoundingBox
	Confidence float64
}

// Descriptor is the fixed-length face embedding produced by the extractor.
// Its values must never reach a log, a display or durable storage, so every
// formatting path prints a redacted placeholder instead of the numbers.
type Descriptor []float32

// Clone returns an independent copy of the descriptor
func (d Descriptor) Clone() Descriptor {
	if d == nil {
		return nil
	}
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

func (d Descriptor) String() string {
	return fmt.Sprintf("Descriptor(<redacted>, n=%d)", len(d))
}

// Format makes %v, %+v, %#v, %s and %f all print the redacted form.
func (d Descriptor) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, d.String())
}

// EnrollmentRecord is a stored descriptor; Identity is its position in the store
type EnrollmentRecord struct {
	Identity   int
	Descriptor Descriptor
}

// NoIdentity marks a MatchResult with no best match (empty store)
const NoIdentity = -1

// MatchResult is the per-frame outcome of comparing a live descriptor against the store
type MatchResult struct {
	Identity int
	Score    float64
	Accepted bool
}

// HasIdentity reports whether the result points at an enrolled identity
func (m MatchResult) HasIdentity() bool {
	return m.Identity != NoIdentity
}
