package orient

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Orientation holds the row (I) and column (J) direction cosines of an
// image plane in the source patient coordinate system. It is comparable,
// so it can serve directly as a grouping key.
type Orientation struct {
	I, J r3.Vec
}

// Axial is the identity orientation assumed for slices without recorded
// geometry.
var Axial = Orientation{
	I: r3.Vec{X: 1, Y: 0, Z: 0},
	J: r3.Vec{X: 0, Y: 1, Z: 0},
}

// Angles returns the angular deviation, in degrees, between the row axes
// and between the column axes of two orientations. Two orientations are
// geometrically "the same" when both angles fall strictly below the
// configured merge threshold.
func Angles(a, b Orientation) (rowDeg, colDeg float64) {
	return vecAngle(a.I, b.I), vecAngle(a.J, b.J)
}

func vecAngle(u, v r3.Vec) float64 {
	c := r3.Cos(u, v)
	// guard acos against rounding just outside [-1, 1]
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	return math.Acos(c) * 180.0 / math.Pi
}

// Lowest returns the consistent lower of two orientations under
// element-wise comparison. Merged near-duplicate orientations are keyed
// by their lowest member so the merge result does not depend on
// discovery order.
func Lowest(a, b Orientation) Orientation {
	av := [6]float64{a.I.X, a.I.Y, a.I.Z, a.J.X, a.J.Y, a.J.Z}
	bv := [6]float64{b.I.X, b.I.Y, b.I.Z, b.J.X, b.J.Y, b.J.Z}
	for n := range av {
		if av[n] < bv[n] {
			return a
		}
		if av[n] > bv[n] {
			return b
		}
	}
	return a
}

// NormK returns the plane normal i×j for an orientation.
func (o Orientation) NormK() r3.Vec {
	return r3.Cross(o.I, o.J)
}

// PlaneName names the closest orthogonal anatomical plane for this
// orientation's in-plane axes.
func (o Orientation) PlaneName(style Style) string {
	si := simplify(o.I)
	sj := simplify(o.J)

	var long, short string
	switch {
	case si == [3]int{1, 0, 0} && sj == [3]int{0, 1, 0}:
		long, short = PlaneAxial, "axi"
	case si == [3]int{0, 1, 0} && sj == [3]int{0, 0, -1}:
		long, short = PlaneSagittal, "sag"
	case si == [3]int{1, 0, 0} && sj == [3]int{0, 0, -1}:
		long, short = PlaneCoronal, "cor"
	default:
		long = fmt.Sprintf("Nonstd: %v, %v", si, sj)
		short = "obl"
	}
	if style == StyleShort {
		return short
	}
	return long
}

// simplify snaps a direction cosine to its nearest signed coordinate
// axis.
func simplify(v r3.Vec) [3]int {
	comps := [3]float64{v.X, v.Y, v.Z}
	largest := 0.0
	which := -1
	for n, c := range comps {
		if math.Abs(c) > math.Abs(largest) {
			largest = c
			which = n
		}
	}
	if which < 0 {
		// all-zero cosines have no nearest axis; treat them as Z
		which = 2
	}
	var s [3]int
	if largest >= 0 {
		s[which] = 1
	} else {
		s[which] = -1
	}
	return s
}
