package gipl

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"volconv/pkg/orient"
)

func testVolume() *orient.Volume {
	vol := orient.NewVolume(2, 2, 3)
	vol.Integer = true
	vol.Bits = 16
	vol.Signed = true
	for i := range vol.Data {
		vol.Data[i] = float64(i - 3)
	}
	return vol
}

func TestWriteAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.gipl")
	vol := testVolume()

	in := Header{
		VoxDim:  [3]float64{0.9, 0.9, 4.4},
		Origin:  [3]float64{-100, -80, 42},
		Descrip: "1.5T 2D SE TR=500ms/TE=15ms/FA=90deg/SO=no",
		Min:     -3,
		Max:     8,
	}
	if err := Write(path, vol, in); err != nil {
		t.Fatalf("Failed to write volume: %v", err)
	}

	hdr, dims, dtype, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("Failed to read header back: %v", err)
	}

	if dims != [3]int{2, 2, 3} {
		t.Errorf("Expected dims [2 2 3], got %v", dims)
	}
	if dtype != TypeShort {
		t.Errorf("Expected typecode %d, got %d", TypeShort, dtype)
	}
	for i := range in.VoxDim {
		if math.Abs(hdr.VoxDim[i]-in.VoxDim[i]) > 1e-6 {
			t.Errorf("VoxDim[%d]: expected %g, got %g", i, in.VoxDim[i], hdr.VoxDim[i])
		}
	}
	if hdr.Origin != in.Origin {
		t.Errorf("Expected origin %v, got %v", in.Origin, hdr.Origin)
	}
	if hdr.Min != -3 || hdr.Max != 8 {
		t.Errorf("Expected range [-3, 8], got [%g, %g]", hdr.Min, hdr.Max)
	}
	if hdr.Descrip != in.Descrip {
		t.Errorf("Expected descrip %q, got %q", in.Descrip, hdr.Descrip)
	}
}

func TestWriteSampleBytesBigEndian(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.gipl")
	vol := testVolume()

	if err := Write(path, vol, Header{VoxDim: [3]float64{1, 1, 1}}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 256+2*len(vol.Data) {
		t.Fatalf("Expected %d bytes, got %d", 256+2*len(vol.Data), len(raw))
	}

	for i := range vol.Data {
		got := int16(binary.BigEndian.Uint16(raw[256+2*i:]))
		if int(got) != i-3 {
			t.Errorf("Sample %d: expected %d, got %d", i, i-3, got)
		}
	}
}

func TestWriteGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.gipl.gz")
	vol := testVolume()
	vol.Integer = false

	if err := Write(path, vol, Header{VoxDim: [3]float64{2, 2, 2}}); err != nil {
		t.Fatal(err)
	}

	hdr, dims, dtype, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("Failed to read gzipped header: %v", err)
	}
	if dims != [3]int{2, 2, 3} {
		t.Errorf("Expected dims [2 2 3], got %v", dims)
	}
	if dtype != TypeFloat {
		t.Errorf("Expected float typecode, got %d", dtype)
	}
	if hdr.VoxDim[0] != 2 {
		t.Errorf("Expected voxel size 2, got %g", hdr.VoxDim[0])
	}
}

func TestRejectsNonGipl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.gipl")
	if err := os.WriteFile(path, make([]byte, 300), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ReadHeader(path); err == nil {
		t.Error("Expected an error for a non-GIPL file, got nil")
	}
}
