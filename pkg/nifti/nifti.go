// Package nifti writes single-file NIfTI-1.1 volumes (.nii, .nii.gz).
// Only the header fields this converter derives are populated; the
// orientation is carried in the quaternion (Q-form) fields, and the
// S-form matrix is always left zeroed.
package nifti

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"volconv/pkg/orient"
)

// NIfTI-1 datatype codes.
const (
	TypeUInt8   int16 = 2
	TypeInt16   int16 = 4
	TypeFloat32 int16 = 16
	TypeInt8    int16 = 256
	TypeUInt16  int16 = 512
)

const (
	headerSize = 348
	voxOffset  = 352
)

// Header carries the derived fields of one output volume.
type Header struct {
	PixDim [3]float64

	// QFormCode is nonzero when the quaternion fields are meaningful.
	// QFac records grid handedness and must be ±1 when QFormCode is
	// set.
	QFormCode int16
	QFac      float64

	// QData is quatern_b, quatern_c, quatern_d, qoffset_x, _y, _z.
	QData [6]float64

	// Descrip is the free-text acquisition summary, truncated to 79
	// characters.
	Descrip string

	// OnePad writes trailing dim/pixdim slots as 1 instead of 0 and
	// fills the scl_slope/scl_inter identity pair, for consumers that
	// reject zeroed padding.
	OnePad bool
}

// TypeFor picks the narrowest NIfTI datatype that can represent the
// volume's samples.
func TypeFor(vol *orient.Volume) int16 {
	if !vol.Integer {
		return TypeFloat32
	}
	switch {
	case vol.Bits <= 8 && vol.Signed:
		return TypeInt8
	case vol.Bits <= 8:
		return TypeUInt8
	case vol.Signed:
		return TypeInt16
	default:
		return TypeUInt16
	}
}

func bitpix(t int16) int16 {
	switch t {
	case TypeUInt8, TypeInt8:
		return 8
	case TypeInt16, TypeUInt16:
		return 16
	default:
		return 32
	}
}

// Write stores the volume at path. A path ending in .gz is compressed;
// the file is a complete single-file NIfTI with data at offset 352.
func Write(path string, vol *orient.Volume, hdr Header) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := writeTo(w, vol, hdr); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return f.Close()
}

func writeTo(w io.Writer, vol *orient.Volume, hdr Header) error {
	buf := make([]byte, voxOffset)
	le := binary.LittleEndian

	putF32 := func(off int, v float64) {
		le.PutUint32(buf[off:], math.Float32bits(float32(v)))
	}
	putI16 := func(off int, v int16) {
		le.PutUint16(buf[off:], uint16(v))
	}

	le.PutUint32(buf[0:], headerSize) // sizeof_hdr

	dtype := TypeFor(vol)
	d := vol.Dims()

	putI16(40, 3) // dim[0]: rank
	dims := [7]int16{int16(d[0]), int16(d[1]), int16(d[2]), 0, 0, 0, 0}
	pix := [7]float64{hdr.PixDim[0], hdr.PixDim[1], hdr.PixDim[2], 0, 0, 0, 0}
	if hdr.OnePad {
		for i := 3; i < 7; i++ {
			dims[i] = 1
			pix[i] = 1
		}
	}
	for i, d := range dims {
		putI16(42+2*i, d)
	}

	putI16(70, dtype)
	putI16(72, bitpix(dtype))

	putF32(76, hdr.QFac) // pixdim[0]
	for i, p := range pix {
		putF32(80+4*i, p)
	}

	putF32(108, voxOffset) // vox_offset
	if hdr.OnePad {
		putF32(112, 1) // scl_slope
		putF32(116, 0) // scl_inter
	}

	buf[123] = 10 // xyzt_units: mm + sec

	desc := hdr.Descrip
	if len(desc) > 79 {
		desc = desc[:79]
	}
	copy(buf[148:228], desc)

	putI16(252, hdr.QFormCode)
	putI16(254, 0) // sform_code
	for i, q := range hdr.QData {
		putF32(256+4*i, q)
	}

	copy(buf[344:], "n+1\x00")

	if _, err := w.Write(buf); err != nil {
		return err
	}
	return writeSamples(w, vol, dtype)
}

// writeSamples streams the pixel buffer in storage order, which is
// already x-fastest as NIfTI expects.
func writeSamples(w io.Writer, vol *orient.Volume, dtype int16) error {
	le := binary.LittleEndian
	bp := int(bitpix(dtype)) / 8
	out := make([]byte, len(vol.Data)*bp)

	for i, v := range vol.Data {
		switch dtype {
		case TypeUInt8:
			out[i] = uint8(clamp(v, 0, math.MaxUint8))
		case TypeInt8:
			out[i] = byte(int8(clamp(v, math.MinInt8, math.MaxInt8)))
		case TypeInt16:
			le.PutUint16(out[i*2:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		case TypeUInt16:
			le.PutUint16(out[i*2:], uint16(clamp(v, 0, math.MaxUint16)))
		default:
			le.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
	}
	_, err := w.Write(out)
	return err
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ReadHeader decodes the derived fields back out of a written file,
// transparently ungzipping. Intended for verification, not for general
// NIfTI consumption.
func ReadHeader(path string) (Header, [3]int, int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, [3]int{}, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Header{}, [3]int{}, 0, err
		}
		defer gz.Close()
		r = gz
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, [3]int{}, 0, err
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != headerSize {
		return Header{}, [3]int{}, 0, fmt.Errorf("%s: not a NIfTI-1 header", path)
	}

	f32 := func(off int) float64 {
		return float64(math.Float32frombits(le.Uint32(buf[off:])))
	}

	var hdr Header
	var dims [3]int
	for i := range dims {
		dims[i] = int(int16(le.Uint16(buf[42+2*i:])))
	}
	for i := range hdr.PixDim {
		hdr.PixDim[i] = f32(80 + 4*i)
	}
	hdr.QFac = f32(76)
	hdr.QFormCode = int16(le.Uint16(buf[252:]))
	for i := range hdr.QData {
		hdr.QData[i] = f32(256 + 4*i)
	}
	hdr.Descrip = strings.TrimRight(string(buf[148:228]), "\x00")

	dtype := int16(le.Uint16(buf[70:]))
	return hdr, dims, dtype, nil
}
