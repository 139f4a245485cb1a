package nifti

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"volconv/pkg/orient"
)

func testVolume() *orient.Volume {
	vol := orient.NewVolume(3, 2, 2)
	vol.Integer = true
	vol.Bits = 16
	for i := range vol.Data {
		vol.Data[i] = float64(i * 10)
	}
	return vol
}

func TestWriteAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.nii")
	vol := testVolume()

	in := Header{
		PixDim:    [3]float64{0.5, 0.5, 3.0},
		QFormCode: 1,
		QFac:      -1,
		QData:     [6]float64{0.1, 0.2, 0.3, -10, -20, 30},
		Descrip:   "3T 3D GR TR=22ms/TE=11ms/FA=20deg/SO=no",
	}
	if err := Write(path, vol, in); err != nil {
		t.Fatalf("Failed to write volume: %v", err)
	}

	hdr, dims, dtype, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("Failed to read header back: %v", err)
	}

	if dims != [3]int{3, 2, 2} {
		t.Errorf("Expected dims [3 2 2], got %v", dims)
	}
	if dtype != TypeUInt16 {
		t.Errorf("Expected datatype %d, got %d", TypeUInt16, dtype)
	}
	if hdr.QFormCode != 1 {
		t.Errorf("Expected qform code 1, got %d", hdr.QFormCode)
	}
	if hdr.QFac != -1 {
		t.Errorf("Expected qfac -1, got %g", hdr.QFac)
	}
	for i := range in.QData {
		if math.Abs(hdr.QData[i]-in.QData[i]) > 1e-6 {
			t.Errorf("QData[%d]: expected %g, got %g", i, in.QData[i], hdr.QData[i])
		}
	}
	if math.Abs(hdr.PixDim[2]-3.0) > 1e-6 {
		t.Errorf("Expected through-plane pixdim 3.0, got %g", hdr.PixDim[2])
	}
	if hdr.Descrip != in.Descrip {
		t.Errorf("Expected descrip %q, got %q", in.Descrip, hdr.Descrip)
	}
}

func TestWriteSampleBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.nii")
	vol := testVolume()
	vol.Signed = true

	if err := Write(path, vol, Header{PixDim: [3]float64{1, 1, 1}, QFac: 1}); err != nil {
		t.Fatalf("Failed to write volume: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 352+2*len(vol.Data) {
		t.Fatalf("Expected %d bytes, got %d", 352+2*len(vol.Data), len(raw))
	}
	if string(raw[344:347]) != "n+1" {
		t.Errorf("Expected single-file magic, got %q", raw[344:348])
	}

	// Samples follow in storage order at offset 352, little-endian.
	for i := range vol.Data {
		got := int16(binary.LittleEndian.Uint16(raw[352+2*i:]))
		if int(got) != i*10 {
			t.Errorf("Sample %d: expected %d, got %d", i, i*10, got)
		}
	}
}

func TestWriteGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.nii.gz")
	vol := testVolume()

	if err := Write(path, vol, Header{PixDim: [3]float64{1, 1, 2}, QFac: 1}); err != nil {
		t.Fatalf("Failed to write gzipped volume: %v", err)
	}

	hdr, dims, _, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("Failed to read gzipped header: %v", err)
	}
	if dims != [3]int{3, 2, 2} {
		t.Errorf("Expected dims [3 2 2], got %v", dims)
	}
	if hdr.PixDim[2] != 2 {
		t.Errorf("Expected pixdim[2]=2, got %g", hdr.PixDim[2])
	}
}

func TestOnePadding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.nii")
	vol := testVolume()

	if err := Write(path, vol, Header{PixDim: [3]float64{1, 1, 1}, QFac: 1, OnePad: true}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	le := binary.LittleEndian
	// Unused dim and pixdim slots hold 1, and the scale pair holds the
	// identity.
	for i := 3; i < 7; i++ {
		if got := int16(le.Uint16(raw[42+2*i:])); got != 1 {
			t.Errorf("dim[%d]: expected 1, got %d", i+1, got)
		}
		if got := math.Float32frombits(le.Uint32(raw[80+4*i:])); got != 1 {
			t.Errorf("pixdim[%d]: expected 1, got %g", i+1, got)
		}
	}
	if got := math.Float32frombits(le.Uint32(raw[112:])); got != 1 {
		t.Errorf("scl_slope: expected 1, got %g", got)
	}
}

func TestTypeFor(t *testing.T) {
	tests := []struct {
		integer bool
		bits    int
		signed  bool
		want    int16
	}{
		{true, 16, true, TypeInt16},
		{true, 16, false, TypeUInt16},
		{true, 8, false, TypeUInt8},
		{true, 8, true, TypeInt8},
		{false, 16, false, TypeFloat32},
	}
	for _, tt := range tests {
		vol := &orient.Volume{Integer: tt.integer, Bits: tt.bits, Signed: tt.signed}
		if got := TypeFor(vol); got != tt.want {
			t.Errorf("TypeFor(integer=%v bits=%d signed=%v): expected %d, got %d",
				tt.integer, tt.bits, tt.signed, tt.want, got)
		}
	}
}
