// Package gipl writes Guys Image Processing Lab volumes (.gipl,
// .gipl.gz). The format is a fixed 256-byte big-endian header followed
// by raw samples; the extended-header magic enables the matrix, range
// and origin fields.
package gipl

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

// GIPL typecodes.
const (
	TypeChar   uint16 = 7
	TypeUChar  uint16 = 8
	TypeShort  uint16 = 15
	TypeUShort uint16 = 16
	TypeFloat  uint16 = 64
)

const (
	magic      uint32 = 719555000
	magicExt   uint32 = 815
	headerSize        = 256
)

// Header carries the derived fields of one output volume.
type Header struct {
	// VoxDim is the per-axis voxel size in mm.
	VoxDim [3]float64

	// Origin is the volume origin offset.
	Origin [3]float64

	// Descrip is the free-text acquisition summary, truncated to 79
	// characters.
	Descrip string

	// Min and Max bound the sample values.
	Min, Max float64
}

// TypeFor picks the narrowest GIPL typecode for the volume's samples.
func TypeFor(vol *orient.Volume) uint16 {
	if !vol.Integer {
		return TypeFloat
	}
	switch {
	case vol.Bits <= 8 && vol.Signed:
		return TypeChar
	case vol.Bits <= 8:
		return TypeUChar
	case vol.Signed:
		return TypeShort
	default:
		return TypeUShort
	}
}

func sampleBytes(t uint16) int {
	switch t {
	case TypeChar, TypeUChar:
		return 1
	case TypeShort, TypeUShort:
		return 2
	default:
		return 4
	}
}

// Write stores the volume at path. A path ending in .gz is compressed.
// GIPL carries no orientation encoding, so only voxel size and origin
// survive the trip; callers wanting spatial metadata should prefer the
// NIfTI writer.
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
	buf := make([]byte, headerSize)
	be := binary.BigEndian

	putF32 := func(off int, v float64) {
		be.PutUint32(buf[off:], math.Float32bits(float32(v)))
	}
	putF64 := func(off int, v float64) {
		be.PutUint64(buf[off:], math.Float64bits(v))
	}

	d := vol.Dims()
	dims := [4]uint16{uint16(d[0]), uint16(d[1]), uint16(d[2]), 1}
	for i, d := range dims {
		be.PutUint16(buf[0+2*i:], d)
	}

	dtype := TypeFor(vol)
	be.PutUint16(buf[8:], dtype)

	vox := [4]float64{hdr.VoxDim[0], hdr.VoxDim[1], hdr.VoxDim[2], 1}
	for i, v := range vox {
		putF32(10+4*i, v)
	}

	desc := hdr.Descrip
	if len(desc) > 79 {
		desc = desc[:79]
	}
	copy(buf[26:106], desc)

	// Identity orientation matrix; GIPL has no rotation encoding this
	// converter trusts.
	ident := [12]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}
	for i, v := range ident {
		putF32(106+4*i, v)
	}

	putF64(188, hdr.Min)
	putF64(196, hdr.Max)
	for i := 0; i < 3; i++ {
		putF64(204+8*i, hdr.Origin[i])
	}
	putF64(228, 0)

	be.PutUint32(buf[244:], magicExt)
	be.PutUint32(buf[252:], magic)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	return writeSamples(w, vol, dtype)
}

func writeSamples(w io.Writer, vol *orient.Volume, dtype uint16) error {
	be := binary.BigEndian
	bp := sampleBytes(dtype)
	out := make([]byte, len(vol.Data)*bp)

	for i, v := range vol.Data {
		switch dtype {
		case TypeUChar:
			out[i] = uint8(clamp(v, 0, math.MaxUint8))
		case TypeChar:
			out[i] = byte(int8(clamp(v, math.MinInt8, math.MaxInt8)))
		case TypeShort:
			be.PutUint16(out[i*2:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		case TypeUShort:
			be.PutUint16(out[i*2:], uint16(clamp(v, 0, math.MaxUint16)))
		default:
			be.PutUint32(out[i*4:], math.Float32bits(float32(v)))
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
// transparently ungzipping. Intended for verification.
func ReadHeader(path string) (Header, [3]int, uint16, error) {
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
	be := binary.BigEndian
	if be.Uint32(buf[252:]) != magic {
		return Header{}, [3]int{}, 0, fmt.Errorf("%s: not a GIPL file", path)
	}

	var hdr Header
	var dims [3]int
	for i := range dims {
		dims[i] = int(be.Uint16(buf[0+2*i:]))
	}
	for i := range hdr.VoxDim {
		hdr.VoxDim[i] = float64(math.Float32frombits(be.Uint32(buf[10+4*i:])))
	}
	hdr.Descrip = strings.TrimRight(string(buf[26:106]), "\x00")
	hdr.Min = math.Float64frombits(be.Uint64(buf[188:]))
	hdr.Max = math.Float64frombits(be.Uint64(buf[196:]))
	for i := range hdr.Origin {
		hdr.Origin[i] = math.Float64frombits(be.Uint64(buf[204+8*i:]))
	}

	return hdr, dims, be.Uint16(buf[8:]), nil
}
