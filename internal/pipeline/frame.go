package pipeline

import (
	"fmt"
	"time"

	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/enrollment"
	"github.com/andresmejia3/facegate/internal/types"
)

// Frame is the outcome of processing one camera frame. It carries the
// decision and the digest, never the descriptor itself.
type Frame struct {
	Index     int
	Face      bool
	Box       types.BoundingBox
	Landmarks types.Landmarks

	// Skipped is set when a detected face could not be processed this frame.
	Skipped string

	Digest    string
	DigestErr error
	Match     types.MatchResult

	// Enrolled is the identity committed this frame, or types.NoIdentity.
	Enrolled int
	// DroppedPress is true when a pending press was discarded without enrolling.
	DroppedPress bool
	Control      enrollment.State

	Elapsed time.Duration
}

// Recognized reports whether the frame resolved to a known identity.
func (f Frame) Recognized() bool {
	return f.Face && f.Skipped == "" && f.Match.Accepted
}

// Label is the decision line for the display.
func (f Frame) Label() string {
	if f.Recognized() {
		return fmt.Sprintf("ID:%d  %2.1f", f.Match.Identity, f.Match.Score)
	}
	return "Unknown"
}

// HashLine is the visible privacy evidence: a short digest prefix.
func (f Frame) HashLine() string {
	if f.Digest == "" {
		return ""
	}
	return "H:" + digest.Prefix(f.Digest, digest.PrefixLen)
}
