package orient

// Volume is a 3D pixel buffer stored x-fastest: element (i,j,k) lives at
// Data[i + Nx*(j + Ny*k)]. This matches the on-disk plane order of the
// source files, so assembled planes can be copied in without reshuffling.
type Volume struct {
	Data []float64

	Nx, Ny, Nz int

	// Integer reports that all values are integer-valued and fit the
	// source bit width, so writers may keep the original integer type.
	// Floating-point rescale clears it.
	Integer bool

	// Bits and Signed describe the source pixel type (8 or 16 bits).
	Bits   int
	Signed bool
}

// NewVolume allocates a zero-filled volume of the given dimensions.
func NewVolume(nx, ny, nz int) *Volume {
	return &Volume{
		Data:    make([]float64, nx*ny*nz),
		Nx:      nx,
		Ny:      ny,
		Nz:      nz,
		Integer: true,
		Bits:    16,
		Signed:  true,
	}
}

// At returns the value at grid position (i,j,k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[i+v.Nx*(j+v.Ny*k)]
}

// Set stores a value at grid position (i,j,k).
func (v *Volume) Set(i, j, k int, val float64) {
	v.Data[i+v.Nx*(j+v.Ny*k)] = val
}

// Dims returns the grid dimensions as a slice indexable by axis number.
func (v *Volume) Dims() [3]int {
	return [3]int{v.Nx, v.Ny, v.Nz}
}

// Flip reverses pixel storage along one axis (0=i, 1=j, 2=k) in place.
func (v *Volume) Flip(axis int) {
	dims := v.Dims()
	n := dims[axis]
	for k := 0; k < v.Nz; k++ {
		for j := 0; j < v.Ny; j++ {
			for i := 0; i < v.Nx; i++ {
				idx := [3]int{i, j, k}
				if idx[axis] >= n/2 {
					continue
				}
				mirror := idx
				mirror[axis] = n - 1 - idx[axis]
				a := v.At(idx[0], idx[1], idx[2])
				b := v.At(mirror[0], mirror[1], mirror[2])
				v.Set(idx[0], idx[1], idx[2], b)
				v.Set(mirror[0], mirror[1], mirror[2], a)
			}
		}
	}
}

// Transpose permutes the volume axes without touching pixel values:
// perm[n] names the old axis that becomes axis n (numpy convention, so
// Transpose(0,2,1) swaps the j and k axes).
func (v *Volume) Transpose(p0, p1, p2 int) {
	dims := v.Dims()
	perm := [3]int{p0, p1, p2}
	nd := [3]int{dims[p0], dims[p1], dims[p2]}

	out := make([]float64, len(v.Data))
	for k := 0; k < nd[2]; k++ {
		for j := 0; j < nd[1]; j++ {
			for i := 0; i < nd[0]; i++ {
				var old [3]int
				old[perm[0]] = i
				old[perm[1]] = j
				old[perm[2]] = k
				out[i+nd[0]*(j+nd[1]*k)] = v.At(old[0], old[1], old[2])
			}
		}
	}
	v.Data = out
	v.Nx, v.Ny, v.Nz = nd[0], nd[1], nd[2]
}

// MinMax returns the smallest and largest pixel values.
func (v *Volume) MinMax() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi = v.Data[0], v.Data[0]
	for _, e := range v.Data {
		if e < lo {
			lo = e
		}
		if e > hi {
			hi = e
		}
	}
	return lo, hi
}
