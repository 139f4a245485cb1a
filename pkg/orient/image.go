// Package orient derives and manipulates the spatial transform of an
// assembled volume: slice spacing, axis flips, forced-axial reslicing and
// the quaternion encoding consumed by the output writers.
//
// Vectors are stored in the source (DICOM) patient coordinate system.
// The grid axes are tracked symbolically in Axes: 'i', 'j', 'k' name the
// original grid directions, with a '-' prefix once an axis has been
// flipped. Flips and reslices permute pixel storage only; the axis labels
// stay bound to the physical data content, so a downstream consumer can
// always recover the original orientation.
package orient

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// vector norms below eps are considered zero
	eps = 1e-5

	// angular error allowed between the plane normal and the observed
	// inter-slice vector (degrees)
	sliceDirTol = 2.0
)

// Style selects long or short plane names from PlaneName.
type Style int

const (
	StyleLong Style = iota
	StyleShort
)

// Plane names returned by PlaneName(StyleLong).
const (
	PlaneAxial    = "Axial"
	PlaneSagittal = "Sagittal"
	PlaneCoronal  = "Coronal"
	PlaneMixed    = "Mixed"
)

// Image is a volume plus its spatial transform.
type Image struct {
	// Vol may be nil when only the geometry is being inspected.
	Vol *Volume

	// PixDim is the voxel size along each grid axis in mm.
	PixDim [3]float64

	// IDir and JDir are the in-plane direction cosines. When the stack
	// was assembled from several inconsistent orientations they are
	// meaningless; Mixed records this.
	IDir, JDir r3.Vec
	Mixed      bool

	// Offset is the corner voxel position of the first stored slice.
	Offset r3.Vec

	// Delta is the vector between the corner voxels of the first two
	// slices, or nil when unknown (single slice, forced stacking).
	Delta *r3.Vec

	// Axes tracks where each original grid axis has ended up.
	Axes [3]string
}

// NewImage builds an Image from an assembled volume. orients carries the
// distinct slice orientations observed for the stack: exactly one means a
// clean geometry; any other count marks the image as mixed and the
// transform degrades to the identity plane. An error is returned when the
// observed inter-slice vector disagrees with the plane normal by more
// than a few degrees, which means the stack order is inconsistent with
// the recorded geometry.
func NewImage(vol *Volume, pixdim [3]float64, orients []Orientation, offset r3.Vec, delta *r3.Vec) (*Image, error) {
	img := &Image{
		Vol:    vol,
		PixDim: pixdim,
		Offset: offset,
		Delta:  delta,
		Axes:   [3]string{"i", "j", "k"},
	}
	if len(orients) == 1 {
		img.IDir = orients[0].I
		img.JDir = orients[0].J
	} else {
		img.IDir = Axial.I
		img.JDir = Axial.J
		img.Mixed = true
	}

	qfac, err := img.SliceDir()
	if err != nil {
		return nil, err
	}
	if qfac < 0 {
		// stacking order runs against the plane normal
		img.Axes[2] = "-k"
	}
	return img, nil
}

// NormK returns the plane normal i×j.
func (im *Image) NormK() r3.Vec {
	return r3.Cross(im.IDir, im.JDir)
}

// SliceDir checks whether the normal really points along the observed
// slice direction. It returns +1 when delta is parallel to the normal,
// -1 when antiparallel, and 0 when delta is degenerate. +1/-1 is the
// handedness factor (qfac) recorded in the quaternion encoding.
func (im *Image) SliceDir() (float64, error) {
	if im.Delta == nil {
		return 1.0, nil
	}
	if r3.Norm(*im.Delta) < eps {
		return 0.0, nil
	}

	k := im.NormK()
	c := r3.Cos(k, *im.Delta)
	if c > 1.0 && c < 1.0+eps {
		c = 1.0
	}
	if c < -1.0 && c > -1.0-eps {
		c = -1.0
	}
	angle := math.Acos(c) * 180.0 / math.Pi

	switch {
	case angle > 180.0-sliceDirTol:
		return -1.0, nil
	case angle < sliceDirTol:
		return 1.0, nil
	default:
		return 0, fmt.Errorf("inter-slice vector and plane normal differ by %.2f deg (tolerance %.2f)",
			angle, sliceDirTol)
	}
}

// UseSliceGap replaces the nominal through-plane spacing with the
// measured gap |delta| between the first two slices, and returns it.
// With no delta available the spacing is left alone.
func (im *Image) UseSliceGap() float64 {
	if im.Delta == nil {
		return im.PixDim[2]
	}
	im.PixDim[2] = r3.Norm(*im.Delta)
	return im.PixDim[2]
}

// RecalcDelta rebuilds delta from the normal and the through-plane
// spacing, assuming an orthogonal grid. Used after reslicing.
func (im *Image) RecalcDelta() {
	d := r3.Scale(im.PixDim[2], im.NormK())
	im.Delta = &d
}

// FlipH reverses pixel storage along the first grid axis. The corner
// voxel moves to the opposite end of the axis, so the offset shifts by
// the axis extent and the direction cosine negates. Applying the same
// flip twice restores the original storage by cancellation.
func (im *Image) FlipH() {
	extent := float64(im.Vol.Nx-1) * im.PixDim[0]
	im.Offset = r3.Add(im.Offset, r3.Scale(extent, im.IDir))
	im.IDir = r3.Scale(-1, im.IDir)
	im.Vol.Flip(0)
	im.Axes[0] = flipLabel(im.Axes[0])
}

// FlipV reverses pixel storage along the second grid axis. See FlipH.
func (im *Image) FlipV() {
	extent := float64(im.Vol.Ny-1) * im.PixDim[1]
	im.Offset = r3.Add(im.Offset, r3.Scale(extent, im.JDir))
	im.JDir = r3.Scale(-1, im.JDir)
	im.Vol.Flip(1)
	im.Axes[1] = flipLabel(im.Axes[1])
}

// PlaneName names the closest orthogonal anatomical plane for the
// image's in-plane axes.
func (im *Image) PlaneName(style Style) string {
	if im.Mixed {
		if style == StyleShort {
			return "mix"
		}
		return PlaneMixed
	}
	return Orientation{I: im.IDir, J: im.JDir}.PlaneName(style)
}

// ReOrient rotates storage order by axis swaps so that the image's
// nearest plane becomes the requested one. This is a pure permutation of
// existing axes: no resampling takes place. It reports whether the
// rotation was performed; only Coronal→Axial and Sagittal→Axial are
// supported, anything else (including an already-matching plane) is a
// no-op.
func (im *Image) ReOrient(plane string) (bool, error) {
	old := im.PlaneName(StyleLong)
	qfac, err := im.SliceDir()
	if err != nil {
		return false, err
	}
	if old == plane {
		return true, nil
	}

	switch {
	case old == PlaneCoronal && plane == PlaneAxial:
		// i'=i, j'=k, k'=-j
		im.Vol.Transpose(0, 2, 1)
		im.JDir = im.NormK()
		im.PixDim = [3]float64{im.PixDim[0], im.PixDim[2], im.PixDim[1]}
		im.Axes = [3]string{im.Axes[0], im.Axes[2], im.Axes[1]}

		im.flipStorage(2)
		if qfac < 0 {
			im.flipStorage(1)
		}
		im.RecalcDelta()
		return true, nil

	case old == PlaneSagittal && plane == PlaneAxial:
		// i'=-k, j'=i, k'=-j
		im.Vol.Transpose(2, 0, 1)
		k := im.NormK()
		im.JDir = im.IDir
		im.IDir = r3.Scale(-1, k)
		im.PixDim = [3]float64{im.PixDim[2], im.PixDim[0], im.PixDim[1]}
		im.Axes = [3]string{flipLabel(im.Axes[2]), im.Axes[0], im.Axes[1]}

		im.flipStorage(2)
		if qfac > 0 {
			im.flipStorage(0)
		}
		im.RecalcDelta()
		return true, nil
	}

	return false, nil
}

// flipStorage reverses one axis, moving the corner voxel against the
// axis direction (used during reslicing, where the new corner is at the
// far end of the permuted axis).
func (im *Image) flipStorage(axis int) {
	dims := im.Vol.Dims()
	extent := float64(dims[axis]-1) * im.PixDim[axis]

	var dir r3.Vec
	switch axis {
	case 0:
		dir = im.IDir
	case 1:
		dir = im.JDir
	default:
		dir = im.NormK()
	}
	im.Offset = r3.Sub(im.Offset, r3.Scale(extent, dir))
	im.Vol.Flip(axis)
	im.Axes[axis] = flipLabel(im.Axes[axis])
}

// Quaternion computes the rotation quaternion (a,b,c,d) of the grid in
// the output (NIfTI) coordinate convention, together with the qfac
// handedness factor. The derivation follows the reference NIfTI C
// library and is stable for both right- and left-handed triples.
func (im *Image) Quaternion() (qfac float64, q [4]float64, err error) {
	r11, r21, r31 := -im.IDir.X, -im.IDir.Y, im.IDir.Z
	r12, r22, r32 := -im.JDir.X, -im.JDir.Y, im.JDir.Z

	k := im.NormK()
	qfac, err = im.SliceDir()
	if err != nil {
		return 0, q, err
	}
	r13, r23, r33 := -k.X, -k.Y, k.Z

	var a, b, c, d float64
	t := r11 + r22 + r33 + 1.0
	if t > 0.5 {
		a = 0.5 * math.Sqrt(t)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1.0 + r11 - (r22 + r33)
		yd := 1.0 + r22 - (r11 + r33)
		zd := 1.0 + r33 - (r11 + r22)
		switch {
		case xd > 1.0:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1.0:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
	}
	if a < 0 {
		a, b, c, d = -a, -b, -c, -d
	}
	return qfac, [4]float64{a, b, c, d}, nil
}

// QData returns the quaternion fields laid out for the writer: qfac plus
// [b, c, d, ox, oy, oz] with the origin mapped into the output
// coordinate convention ([X Y Z] = [-x -y z]).
func (im *Image) QData() (qfac float64, q [6]float64, err error) {
	qfac, quat, err := im.Quaternion()
	if err != nil {
		return 0, q, err
	}
	q = [6]float64{
		quat[1], quat[2], quat[3],
		-im.Offset.X, -im.Offset.Y, im.Offset.Z,
	}
	return qfac, q, nil
}

// ToGrid converts a patient-space vector into grid coordinates
// [i j normk]. Only valid before any transposition has been applied.
func (im *Image) ToGrid(v r3.Vec) (r3.Vec, error) {
	if im.Axes[0] != "i" || im.Axes[1] != "j" {
		return r3.Vec{}, fmt.Errorf("grid mapping requires untransposed axes, have %v", im.Axes)
	}
	k := im.NormK()

	// columns are the grid direction vectors
	t := mat.NewDense(3, 3, []float64{
		im.IDir.X, im.JDir.X, k.X,
		im.IDir.Y, im.JDir.Y, k.Y,
		im.IDir.Z, im.JDir.Z, k.Z,
	})
	var x mat.VecDense
	if err := x.SolveVec(t, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})); err != nil {
		return r3.Vec{}, fmt.Errorf("solving grid transform: %w", err)
	}
	return r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, nil
}

// MapAxis reports where an original grid axis (such as "j" or "-j") has
// ended up after the flips and transpositions applied to this image,
// using the output labels I, J, K.
func (im *Image) MapAxis(s string) string {
	return MapAxis(s, im.Axes)
}

// MapAxis maps an axis label through a permutation list. It operates on
// voxel indices, not world coordinates: i,j,k are input axes and I,J,K
// output axes. Unmappable labels return "F".
func MapAxis(s string, axes [3]string) string {
	out := [3]string{"I", "J", "K"}
	for n, a := range axes {
		switch {
		case a == s:
			return out[n]
		case a == "-"+s:
			return "-" + out[n]
		case strings.HasPrefix(s, "-") && a == s[1:]:
			return "-" + out[n]
		}
	}
	return "F"
}

func flipLabel(s string) string {
	if strings.HasPrefix(s, "-") {
		return s[1:]
	}
	return "-" + s
}
