package align

import (
	"errors"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/math/f64"
)

// ErrSingularTransform is returned when the landmarks cannot define a similarity transform.
var ErrSingularTransform = errors.New("landmark transform is singular")

// minSpread is the minimum summed squared distance of the source points from
// their centroid. Below it the landmarks are effectively a single point.
const minSpread = 1e-6

// Transform is a 2x3 affine matrix mapping source pixels to canonical pixels.
// Layout matches f64.Aff3: [a b c; d e f] maps (x,y) to (ax+by+c, dx+ey+f).
type Transform f64.Aff3

// Apply maps a source point into canonical space.
func (t Transform) Apply(p types.Point) types.Point {
	return types.Point{
		X: t[0]*p.X + t[1]*p.Y + t[2],
		Y: t[3]*p.X + t[4]*p.Y + t[5],
	}
}

// Scale returns the uniform scale factor of the transform.
func (t Transform) Scale() float64 {
	return math.Hypot(t[0], t[3])
}

// EstimateSimilarity solves the least-squares similarity (rotation, uniform
// scale, translation) mapping src onto dst in closed form.
func EstimateSimilarity(src, dst types.Landmarks) (Transform, error) {
	n := float64(len(src))

	var scx, scy, dcx, dcy float64
	for i := range src {
		scx += src[i].X
		scy += src[i].Y
		dcx += dst[i].X
		dcy += dst[i].Y
	}
	scx /= n
	scy /= n
	dcx /= n
	dcy /= n

	// a ~ s*cos(theta), b ~ s*sin(theta) after dividing by the source spread
	var a, b, spread float64
	for i := range src {
		sx, sy := src[i].X-scx, src[i].Y-scy
		dx, dy := dst[i].X-dcx, dst[i].Y-dcy

		a += sx*dx + sy*dy
		b += sx*dy - sy*dx
		spread += sx*sx + sy*sy
	}

	if spread < minSpread {
		return Transform{}, ErrSingularTransform
	}
	c := a / spread
	s := b / spread
	if c*c+s*s < minSpread*minSpread {
		return Transform{}, ErrSingularTransform
	}

	t := Transform{
		c, -s, dcx - (c*scx - s*scy),
		s, c, dcy - (s*scx + c*scy),
	}
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, ErrSingularTransform
		}
	}
	return t, nil
}
