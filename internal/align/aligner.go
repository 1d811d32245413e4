package align

import (
	"fmt"
	"image"

	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Aligner warps detected faces onto a fixed canonical layout.
type Aligner struct {
	size       int
	inputSize  int
	references types.Landmarks
}

// NewAligner builds an aligner producing size x size canonical faces.
// inputSize is the side of the square crop fed to the landmark model.
func NewAligner(size, inputSize int) *Aligner {
	return &Aligner{
		size:       size,
		inputSize:  inputSize,
		references: ReferencePoints(size),
	}
}

// Size returns the canonical face side in pixels.
func (a *Aligner) Size() int { return a.size }

// References returns the canonical reference points.
func (a *Aligner) References() types.Landmarks { return a.references }

// Crop cuts the box out of src and resizes it to the landmark model input.
func (a *Aligner) Crop(src image.Image, box types.BoundingBox) *image.RGBA {
	origin := src.Bounds().Min
	sr := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H).Add(origin).Intersect(src.Bounds())

	dst := image.NewRGBA(image.Rect(0, 0, a.inputSize, a.inputSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
	return dst
}

// Align estimates the similarity transform from lm to the reference points
// and resamples src through it into a new canonical face image.
func (a *Aligner) Align(src image.Image, lm types.Landmarks) (*image.RGBA, Transform, error) {
	t, err := EstimateSimilarity(lm, a.references)
	if err != nil {
		return nil, Transform{}, fmt.Errorf("align: %w", err)
	}

	// Landmarks are in frame pixels; shift into the image's own coordinate space
	origin := src.Bounds().Min
	s2d := f64.Aff3(t)
	s2d[2] -= s2d[0]*float64(origin.X) + s2d[1]*float64(origin.Y)
	s2d[5] -= s2d[3]*float64(origin.X) + s2d[4]*float64(origin.Y)

	dst := image.NewRGBA(image.Rect(0, 0, a.size, a.size))
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst, t, nil
}
