package match

import (
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultThreshold is the calibrated accept threshold on the KPU score scale.
const DefaultThreshold = 80.5

// Scorer compares two descriptors. Higher scores mean more similar.
type Scorer interface {
	Score(a, b types.Descriptor) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(a, b types.Descriptor) float64

// Score calls f(a, b).
func (f ScorerFunc) Score(a, b types.Descriptor) float64 { return f(a, b) }

// KPUScorer reproduces the accelerator's feature compare: cosine similarity
// mapped onto [0, 100], so identical non-zero descriptors score 100 and
// opposite ones score 0.
type KPUScorer struct{}

// Score returns 50 + 50*cos(a, b). Zero-norm or mismatched inputs score 0.
func (KPUScorer) Score(a, b types.Descriptor) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return 50 + 50*cos
}

// Matcher picks the best enrolled identity for a live descriptor.
type Matcher struct {
	Scorer    Scorer
	Threshold float64
}

// New returns a Matcher using scorer and threshold.
func New(scorer Scorer, threshold float64) *Matcher {
	return &Matcher{Scorer: scorer, Threshold: threshold}
}

// Match scores live against every record in order and keeps the first
// maximum, so ties go to the lowest identity. The result is accepted only
// when the best score is strictly above the threshold. records is not modified.
func (m *Matcher) Match(live types.Descriptor, records []types.EnrollmentRecord) types.MatchResult {
	if len(records) == 0 {
		return types.MatchResult{Identity: types.NoIdentity}
	}

	best := types.MatchResult{Identity: records[0].Identity, Score: m.Scorer.Score(records[0].Descriptor, live)}
	for _, rec := range records[1:] {
		if s := m.Scorer.Score(rec.Descriptor, live); s > best.Score {
			best.Identity = rec.Identity
			best.Score = s
		}
	}
	best.Accepted = best.Score > m.Threshold
	return best
}
