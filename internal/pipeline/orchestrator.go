package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/andresmejia3/facegate/internal/align"
	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/enrollment"
	"github.com/andresmejia3/facegate/internal/match"
	"github.com/andresmejia3/facegate/internal/types"
)

// ErrCollaborator wraps failures of the external inference collaborators.
var ErrCollaborator = errors.New("inference collaborator failed")

// Deps are the components an Orchestrator sequences.
type Deps struct {
	Detector  Detector
	Landmarks LandmarkRegressor
	Extractor Extractor
	Reporter  Reporter

	Aligner    *align.Aligner
	Digester   *digest.Digester
	Matcher    *match.Matcher
	Store      *enrollment.Store
	Controller *enrollment.Controller

	// BoxScale is the margin added around the detector box on each side.
	BoxScale float64
	Logger   *slog.Logger
}

// Orchestrator runs one frame at a time through detect, align, extract,
// digest, match and enroll. It is not safe for concurrent use; the only
// state shared with other goroutines is the enrollment Signal.
type Orchestrator struct {
	Deps
	stats *Stats
}

// New builds an Orchestrator. A nil Logger falls back to slog.Default().
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{Deps: d, stats: NewStats()}
}

// Stats returns the running counters.
func (o *Orchestrator) Stats() *Stats { return o.stats }

// Process handles a single frame. Per-frame problems (degenerate geometry,
// digest failure) are folded into the returned Frame and never returned as
// errors; a non-nil error means a collaborator failed and wraps ErrCollaborator.
func (o *Orchestrator) Process(ctx context.Context, index int, img image.Image) (f Frame, err error) {
	start := time.Now()
	f = Frame{
		Index:    index,
		Enrolled: types.NoIdentity,
		Match:    types.MatchResult{Identity: types.NoIdentity},
	}
	defer func() {
		f.Elapsed = time.Since(start)
		f.Control = o.Controller.State()
		o.stats.Observe(f, err)
	}()

	dets, err := o.Detector.Detect(ctx, img)
	if err != nil {
		f.DroppedPress = o.Controller.Discard()
		return f, fmt.Errorf("%w: detect: %w", ErrCollaborator, err)
	}
	if len(dets) == 0 {
		f.DroppedPress = o.Controller.Discard()
		return f, nil
	}
	f.Face = true

	bounds := img.Bounds()
	box, err := align.ExtendBox(dets[0].Box, o.BoxScale, bounds.Dx(), bounds.Dy())
	if err != nil {
		return o.skip(f, err), nil
	}
	f.Box = box

	crop := o.Aligner.Crop(img, box)
	raw, err := o.Landmarks.Landmarks(ctx, crop)
	if err != nil {
		f.DroppedPress = o.Controller.Discard()
		return f, fmt.Errorf("%w: landmarks: %w", ErrCollaborator, err)
	}
	lm, err := align.Denormalize(raw, box)
	if err != nil {
		return o.skip(f, err), nil
	}
	f.Landmarks = lm

	face, _, err := o.Aligner.Align(img, lm)
	if err != nil {
		return o.skip(f, err), nil
	}

	desc, err := o.Extractor.Extract(ctx, face)
	if err != nil {
		f.DroppedPress = o.Controller.Discard()
		return f, fmt.Errorf("%w: extract: %w", ErrCollaborator, err)
	}

	f.Digest, f.DigestErr = o.Digester.Digest(desc)
	if f.DigestErr != nil {
		o.Logger.Warn("pipeline: digest failed, marking frame", "frame", index, "error", f.DigestErr)
		f.Digest = digest.Sentinel
	}

	f.Match = o.Matcher.Match(desc, o.Store.All())

	// The press is sampled after matching: anything raised up to this point
	// belongs to this frame's descriptor.
	if o.Controller.Observe() == enrollment.StateArmed {
		if id, ok := o.Controller.Commit(desc); ok {
			f.Enrolled = id
			o.report(ctx, id, f.Digest)
		}
	}
	return f, nil
}

func (o *Orchestrator) skip(f Frame, cause error) Frame {
	f.Skipped = cause.Error()
	f.DroppedPress = o.Controller.Discard()
	o.Logger.Debug("pipeline: face skipped", "frame", f.Index, "reason", f.Skipped)
	return f
}

func (o *Orchestrator) report(ctx context.Context, identity int, hexDigest string) {
	if o.Reporter == nil {
		return
	}
	if err := o.Reporter.Enrolled(ctx, identity, hexDigest); err != nil {
		o.Logger.Error("pipeline: enrollment report failed", "identity", identity, "error", err)
	}
}
