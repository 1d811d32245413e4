package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/andresmejia3/facegate/internal/align"
	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/enrollment"
	"github.com/andresmejia3/facegate/internal/match"
	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/draw"
)

const dim = 32

type fakeDetector struct {
	dets  []types.Detection
	err   error
	calls int
	hook  func()
}

func (d *fakeDetector) Detect(context.Context, image.Image) ([]types.Detection, error) {
	d.calls++
	if d.hook != nil {
		d.hook()
	}
	return d.dets, d.err
}

type fakeLandmarks struct {
	raw   []float64
	err   error
	calls int
}

func (l *fakeLandmarks) Landmarks(context.Context, image.Image) ([]float64, error) {
	l.calls++
	return l.raw, l.err
}

// fakeExtractor hands out the queued descriptors one per call, repeating the last.
type fakeExtractor struct {
	queue []types.Descriptor
	err   error
	calls int
}

func (e *fakeExtractor) Extract(context.Context, image.Image) (types.Descriptor, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	i := min(e.calls-1, len(e.queue)-1)
	return e.queue[i].Clone(), nil
}

type countingScorer struct {
	calls int
	hook  func()
}

func (s *countingScorer) Score(a, b types.Descriptor) float64 {
	s.calls++
	if s.hook != nil {
		s.hook()
	}
	return match.KPUScorer{}.Score(a, b)
}

type evidence struct {
	identity int
	digest   string
}

type recordingReporter struct {
	got []evidence
}

func (r *recordingReporter) Enrolled(_ context.Context, identity int, d string) error {
	r.got = append(r.got, evidence{identity, d})
	return nil
}

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

// faceLogits places the 5 landmarks in a plausible face layout inside the box.
func faceLogits() []float64 {
	pts := [][2]float64{{0.3, 0.4}, {0.7, 0.4}, {0.5, 0.6}, {0.35, 0.8}, {0.65, 0.8}}
	var raw []float64
	for _, p := range pts {
		raw = append(raw, logit(p[0]), logit(p[1]))
	}
	return raw
}

func descriptor(seed float32) types.Descriptor {
	d := make(types.Descriptor, dim)
	for i := range d {
		d[i] = seed + float32(i)*0.01
	}
	return d
}

type harness struct {
	orch      *Orchestrator
	detector  *fakeDetector
	landmarks *fakeLandmarks
	extractor *fakeExtractor
	scorer    *countingScorer
	reporter  *recordingReporter
	signal    *enrollment.Signal
	store     *enrollment.Store
	frame     image.Image
}

func newHarness(descs ...types.Descriptor) *harness {
	h := &harness{
		detector:  &fakeDetector{dets: []types.Detection{{Box: types.BoundingBox{X: 100, Y: 60, W: 100, H: 120}, Confidence: 0.9}}},
		landmarks: &fakeLandmarks{raw: faceLogits()},
		extractor: &fakeExtractor{queue: descs},
		scorer:    &countingScorer{},
		reporter:  &recordingReporter{},
		signal:    &enrollment.Signal{},
		store:     enrollment.NewStore(),
	}
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 90, G: 90, B: 90, A: 255}}, image.Point{}, draw.Src)
	h.frame = img

	h.orch = New(Deps{
		Detector:   h.detector,
		Landmarks:  h.landmarks,
		Extractor:  h.extractor,
		Reporter:   h.reporter,
		Aligner:    align.NewAligner(64, 128),
		Digester:   digest.New(dim),
		Matcher:    match.New(h.scorer, match.DefaultThreshold),
		Store:      h.store,
		Controller: enrollment.NewController(h.signal, nil, h.store),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) process(t *testing.T, index int) Frame {
	t.Helper()
	f, err := h.orch.Process(context.Background(), index, h.frame)
	if err != nil {
		t.Fatalf("frame %d: Process() error: %v", index, err)
	}
	return f
}

func TestEndToEndEnrollThenRecognize(t *testing.T) {
	d := descriptor(0.5)
	h := newHarness(d)

	f := h.process(t, 1)
	if !f.Face || f.Skipped != "" {
		t.Fatalf("frame 1 = %+v, want a processed face", f)
	}
	want := types.MatchResult{Identity: types.NoIdentity, Score: 0, Accepted: false}
	if f.Match != want {
		t.Errorf("frame 1 match = %+v, want %+v", f.Match, want)
	}
	if f.Label() != "Unknown" || f.Enrolled != types.NoIdentity {
		t.Errorf("frame 1 label %q enrolled %d", f.Label(), f.Enrolled)
	}

	h.signal.Raise()
	f = h.process(t, 2)
	if f.Enrolled != 0 {
		t.Fatalf("frame 2 enrolled = %d, want 0", f.Enrolled)
	}
	recs := h.store.All()
	if len(recs) != 1 || recs[0].Identity != 0 {
		t.Fatalf("store = %d records, want 1 with identity 0", len(recs))
	}
	for i := range d {
		if recs[0].Descriptor[i] != d[i] {
			t.Fatalf("stored descriptor differs at %d", i)
		}
	}

	wantDigest, _ := digest.New(dim).Digest(d)
	if len(h.reporter.got) != 1 || h.reporter.got[0] != (evidence{0, wantDigest}) {
		t.Errorf("reported evidence = %+v, want identity 0 with digest %s", h.reporter.got, wantDigest)
	}

	f = h.process(t, 3)
	if f.Match.Identity != 0 || !f.Match.Accepted || math.Abs(f.Match.Score-100) > 1e-9 {
		t.Errorf("frame 3 match = %+v, want identity 0 accepted at 100", f.Match)
	}
	if f.Label() != "ID:0  100.0" {
		t.Errorf("frame 3 label = %q", f.Label())
	}
	if f.HashLine() != "H:"+wantDigest[:12] {
		t.Errorf("frame 3 hash line = %q", f.HashLine())
	}
	if f.Enrolled != types.NoIdentity || h.store.Len() != 1 {
		t.Errorf("frame 3 enrolled again without a press")
	}
}

func TestPressDuringMatchIsAttributedToCurrentFrame(t *testing.T) {
	h := newHarness(descriptor(1), descriptor(2), descriptor(3))
	h.signal.Raise()
	h.process(t, 1) // identity 0 <- descriptor(1)

	fired := false
	h.scorer.hook = func() {
		if !fired {
			fired = true
			h.signal.Raise()
		}
	}
	f2 := h.process(t, 2)
	f3 := h.process(t, 3)

	if f2.Enrolled != 1 || f3.Enrolled != types.NoIdentity {
		t.Fatalf("enrolled: frame 2 = %d, frame 3 = %d; want 1 and none", f2.Enrolled, f3.Enrolled)
	}
	if h.store.Len() != 2 {
		t.Fatalf("store has %d records, want 2", h.store.Len())
	}
	if got := h.store.All()[1].Descriptor[0]; got != 2 {
		t.Errorf("identity 1 descriptor seed = %v, want frame 2's", got)
	}
}

func TestPressOnFaceLessFrameIsDiscarded(t *testing.T) {
	h := newHarness(descriptor(1))
	h.detector.dets = nil
	h.detector.hook = h.signal.Raise

	f := h.process(t, 1)
	if f.Face || !f.DroppedPress {
		t.Errorf("frame = %+v, want no face and a dropped press", f)
	}

	// Face comes back; the earlier press must not enroll it
	h.detector.hook = nil
	h.detector.dets = []types.Detection{{Box: types.BoundingBox{X: 100, Y: 60, W: 100, H: 120}}}
	f = h.process(t, 2)
	if f.Enrolled != types.NoIdentity || !h.store.IsEmpty() {
		t.Errorf("press from a face-less frame enrolled identity %d", f.Enrolled)
	}
}

func TestNoDetectionSkipsEverything(t *testing.T) {
	h := newHarness(descriptor(1))
	h.store.Append(descriptor(9))
	h.signal.Raise()
	h.detector.dets = nil

	f := h.process(t, 1)
	if f.Face || f.Digest != "" || f.Match.HasIdentity() {
		t.Errorf("face-less frame = %+v", f)
	}
	if h.landmarks.calls != 0 || h.extractor.calls != 0 || h.scorer.calls != 0 {
		t.Errorf("collaborators called on a face-less frame: landmarks=%d extract=%d score=%d",
			h.landmarks.calls, h.extractor.calls, h.scorer.calls)
	}
	if h.store.Len() != 1 || h.signal.Pending() {
		t.Errorf("pending press not discarded (store %d, pending %v)", h.store.Len(), h.signal.Pending())
	}
	if f.Label() != "Unknown" || f.HashLine() != "" {
		t.Errorf("face-less display = %q %q", f.Label(), f.HashLine())
	}
}

func TestDigestShapeMismatchMarksFrame(t *testing.T) {
	short := make(types.Descriptor, dim-1)
	for i := range short {
		short[i] = 1
	}
	h := newHarness(short)
	h.store.Append(short.Clone())

	f, err := h.orch.Process(context.Background(), 1, h.frame)
	if err != nil {
		t.Fatalf("shape mismatch must not fail the frame: %v", err)
	}
	if f.Digest != digest.Sentinel || !errors.Is(f.DigestErr, digest.ErrShapeMismatch) {
		t.Errorf("digest = %q err = %v, want sentinel and ErrShapeMismatch", f.Digest, f.DigestErr)
	}
	// Matching continues normally
	if f.Match.Identity != 0 || !f.Match.Accepted {
		t.Errorf("match = %+v, want identity 0 accepted", f.Match)
	}
	if f.HashLine() != "H:"+digest.Sentinel[:12] {
		t.Errorf("hash line = %q", f.HashLine())
	}
	if h.orch.Stats().SentinelDigests != 1 {
		t.Errorf("SentinelDigests = %d", h.orch.Stats().SentinelDigests)
	}
}

func TestDegenerateGeometrySkipsFace(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"box outside frame", func(h *harness) {
			h.detector.dets = []types.Detection{{Box: types.BoundingBox{X: 500, Y: 10, W: 40, H: 40}}}
		}},
		{"coincident landmarks", func(h *harness) {
			h.landmarks.raw = make([]float64, 10)
		}},
		{"wrong landmark count", func(h *harness) {
			h.landmarks.raw = make([]float64, 8)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(descriptor(1))
			h.store.Append(descriptor(1))
			tt.setup(h)
			h.signal.Raise()

			f := h.process(t, 1)
			if f.Skipped == "" {
				t.Fatalf("frame = %+v, want a skipped face", f)
			}
			if f.Match.HasIdentity() || f.Label() != "Unknown" {
				t.Errorf("skipped face reported identity %d", f.Match.Identity)
			}
			if h.extractor.calls != 0 || h.scorer.calls != 0 {
				t.Errorf("extract/score ran for a skipped face")
			}
			if !f.DroppedPress || h.store.Len() != 1 {
				t.Errorf("press on a skipped face was not discarded")
			}
		})
	}
}

func TestCollaboratorErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(h *harness)
		stage string
	}{
		{"detector", func(h *harness) { h.detector.err = boom }, "detect"},
		{"landmarks", func(h *harness) { h.landmarks.err = boom }, "landmarks"},
		{"extractor", func(h *harness) { h.extractor.err = boom }, "extract"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(descriptor(1))
			tt.setup(h)
			h.signal.Raise()

			f, err := h.orch.Process(context.Background(), 7, h.frame)
			if !errors.Is(err, ErrCollaborator) || !errors.Is(err, boom) {
				t.Fatalf("Process() error = %v, want ErrCollaborator wrapping the cause", err)
			}
			if !strings.Contains(err.Error(), tt.stage) {
				t.Errorf("error %q does not name stage %q", err, tt.stage)
			}
			if f.Match.HasIdentity() || !h.store.IsEmpty() {
				t.Errorf("failed frame produced identity or enrollment")
			}
			if h.orch.Stats().Errors != 1 {
				t.Errorf("Stats().Errors = %d", h.orch.Stats().Errors)
			}
		})
	}
}

func TestStatsCounters(t *testing.T) {
	h := newHarness(descriptor(1))
	h.signal.Raise()
	h.process(t, 1)
	h.process(t, 2)
	h.detector.dets = nil
	h.process(t, 3)

	s := h.orch.Stats()
	if s.Frames != 3 || s.Faces != 2 || s.Enrollments != 1 || s.Recognized != 1 {
		t.Errorf("stats = %+v", *s)
	}
}

func TestMultiReporter(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	failing := ReporterFunc(func(context.Context, int, string) error { return errors.New("down") })

	err := MultiReporter{a, failing, b}.Enrolled(context.Background(), 4, "abc")
	if err == nil {
		t.Error("MultiReporter swallowed the error")
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("not every reporter received the evidence: %v %v", a.got, b.got)
	}
}
