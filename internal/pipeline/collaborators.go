package pipeline

import (
	"context"
	"image"

	"github.com/andresmejia3/facegate/internal/types"
)

// Detector finds faces in a full camera frame. Boxes are already filtered by
// confidence; only the first one is used.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]types.Detection, error)
}

// LandmarkRegressor returns 10 box-relative logits (5 x (x, y)) for a face crop.
type LandmarkRegressor interface {
	Landmarks(ctx context.Context, crop image.Image) ([]float64, error)
}

// Extractor turns a canonical face into a descriptor.
type Extractor interface {
	Extract(ctx context.Context, face image.Image) (types.Descriptor, error)
}

// Reporter receives enrollment evidence. It never sees the descriptor.
type Reporter interface {
	Enrolled(ctx context.Context, identity int, digest string) error
}

// Display receives the per-frame decision.
type Display interface {
	Show(f Frame)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, identity int, digest string) error

// Enrolled calls f.
func (f ReporterFunc) Enrolled(ctx context.Context, identity int, digest string) error {
	return f(ctx, identity, digest)
}

// MultiReporter fans evidence out to several reporters, returning the first error.
type MultiReporter []Reporter

// Enrolled reports to every reporter even if an earlier one fails.
func (m MultiReporter) Enrolled(ctx context.Context, identity int, digest string) error {
	var first error
	for _, r := range m {
		if err := r.Enrolled(ctx, identity, digest); err != nil && first == nil {
			first = err
		}
	}
	return first
}
