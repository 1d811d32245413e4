package align

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// MinBoxSide is the smallest usable crop side in pixels after clamping.
const MinBoxSide = 2

var (
	// ErrDegenerateBox is returned when a box collapses after clamping to the frame.
	ErrDegenerateBox = errors.New("bounding box degenerate after clamping")
	// ErrLandmarkShape is returned when the landmark model does not return 10 values.
	ErrLandmarkShape = errors.New("landmark output shape mismatch")
)

// ExtendBox grows a detector box by scale*w / scale*h on every side and clamps
// it to [1, frameW-1] x [1, frameH-1].
func ExtendBox(box types.BoundingBox, scale float64, frameW, frameH int) (types.BoundingBox, error) {
	x, y := float64(box.X), float64(box.Y)
	w, h := float64(box.W), float64(box.H)

	x1t := x - scale*w
	x2t := x + w + scale*w
	y1t := y - scale*h
	y2t := y + h + scale*h

	x1, y1 := 1, 1
	if x1t > 1 {
		x1 = int(x1t)
	}
	if y1t > 1 {
		y1 = int(y1t)
	}
	x2, y2 := frameW-1, frameH-1
	if x2t < float64(frameW) {
		x2 = int(x2t)
	}
	if y2t < float64(frameH) {
		y2 = int(y2t)
	}

	out := types.BoundingBox{X: x1, Y: y1, W: x2 - x1 + 1, H: y2 - y1 + 1}
	if out.W < MinBoxSide || out.H < MinBoxSide {
		return out, fmt.Errorf("%w: %dx%d at (%d,%d) in %dx%d frame", ErrDegenerateBox, out.W, out.H, out.X, out.Y, frameW, frameH)
	}
	return out, nil
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// Denormalize converts the landmark model's 10 box-relative logits into
// absolute frame pixels: sigmoid(raw) * boxSide + boxOrigin, truncated to whole pixels.
func Denormalize(raw []float64, box types.BoundingBox) (types.Landmarks, error) {
	var lm types.Landmarks
	if len(raw) != 2*len(lm) {
		return lm, fmt.Errorf("%w: got %d values, want %d", ErrLandmarkShape, len(raw), 2*len(lm))
	}
	for j := range lm {
		lm[j] = types.Point{
			X: math.Trunc(sigmoid(raw[2*j])*float64(box.W) + float64(box.X)),
			Y: math.Trunc(sigmoid(raw[2*j+1])*float64(box.H) + float64(box.Y)),
		}
	}
	return lm, nil
}

// arcfaceTemplate is the canonical 5-point face layout on a 112x112 canvas.
var arcfaceTemplate = types.Landmarks{
	{X: 38.2946, Y: 51.6963}, // left eye
	{X: 73.5318, Y: 51.5014}, // right eye
	{X: 56.0252, Y: 71.7366}, // nose
	{X: 41.5493, Y: 92.3655}, // left mouth
	{X: 70.7299, Y: 92.2041}, // right mouth
}

const templateSize = 112

// ReferencePoints scales the 112-unit template to a size x size canvas,
// truncating to whole pixels.
func ReferencePoints(size int) types.Landmarks {
	var ref types.Landmarks
	for i, p := range arcfaceTemplate {
		ref[i] = types.Point{
			X: math.Trunc(p.X * float64(size) / templateSize),
			Y: math.Trunc(p.Y * float64(size) / templateSize),
		}
	}
	return ref
}
