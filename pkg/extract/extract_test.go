package extract

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"volconv/internal/index"
	"volconv/internal/report"
	"volconv/internal/volerr"
	"volconv/pkg/config"
	"volconv/pkg/orient"
)

func testReport() *report.Collector {
	return report.New(slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func writeRaw(t *testing.T, dir, name string, samples []uint16) string {
	t.Helper()
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], s)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("Failed to write raw file: %v", err)
	}
	return path
}

func baseRecord(path string, length int64, pos float64) index.Record {
	return index.Record{
		Path:         path,
		Offset:       0,
		Length:       length,
		LittleEndian: true,
		StudyID:      "ST1",
		StudyName:    "subj",
		SeriesNum:    "3",
		Desc:         "t1_mpr",
		Pos:          pos,
		Pos3:         r3.Vec{Z: pos},
		TimeKey:      "0",
		Echo:         1,
		Instance:     int(pos),
		Orient:       orient.Axial,
		Rows:         2,
		Cols:         2,
		Bits:         16,
		Res:          [3]float64{1, 1, 2},
		Slope:        1.0,
	}
}

// buildSeries indexes the given records and returns the single series.
func buildSeries(t *testing.T, recs []index.Record) *index.Series {
	t.Helper()
	b := index.NewBuilder(index.Options{SplitOrient: true, MergeOrient: true, MergeThreshold: 0.001}, testReport())
	for _, r := range recs {
		b.Add(r)
	}
	idx := b.Build()
	if len(idx.Studies) != 1 || len(idx.Studies[0].Series) != 1 {
		t.Fatalf("Expected exactly one series, got %d studies", len(idx.Studies))
	}
	return idx.Studies[0].Series[0]
}

func TestExtractOrdersByPosition(t *testing.T) {
	dir := t.TempDir()

	// Written out of position order; slices are 2x2 planes filled with
	// a constant marking their true order.
	var recs []index.Record
	for _, pos := range []float64{10, -5, 2.5} {
		p := writeRaw(t, dir, "p"+filepathSafe(pos)+".raw", []uint16{uint16(pos + 100), uint16(pos + 100), uint16(pos + 100), uint16(pos + 100)})
		recs = append(recs, baseRecord(p, 8, pos))
	}

	s := buildSeries(t, recs)
	vol, gaps, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
	if err != nil {
		t.Fatalf("Failed to extract volume: %v", err)
	}
	if gaps != 0 {
		t.Errorf("Expected no gaps, got %d", gaps)
	}

	// Ascending position order: -5, 2.5, 10.
	want := []float64{95, 102, 110}
	for k, w := range want {
		if got := vol.At(0, 0, k); got != w {
			t.Errorf("Plane %d: expected value %g, got %g", k, w, got)
		}
	}
}

func TestExtractMissingSliceFails(t *testing.T) {
	dir := t.TempDir()
	p1 := writeRaw(t, dir, "a.raw", []uint16{1, 1, 1, 1})
	p2 := writeRaw(t, dir, "b.raw", []uint16{2, 2, 2, 2})

	// Two positions at echo 1, but only one of them at echo 2.
	r1 := baseRecord(p1, 8, 0)
	r2 := baseRecord(p2, 8, 2)
	r3e := baseRecord(p2, 8, 2)
	r3e.Echo = 2

	s := buildSeries(t, []index.Record{r1, r2, r3e})

	_, _, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 2)
	if err == nil {
		t.Fatal("Expected an error for a missing slice, got nil")
	}
	if !errors.Is(err, volerr.ErrMissingSlice) {
		t.Errorf("Expected error to wrap ErrMissingSlice, got %v", err)
	}
}

func TestExtractMissingSliceTolerated(t *testing.T) {
	dir := t.TempDir()
	p1 := writeRaw(t, dir, "a.raw", []uint16{1, 1, 1, 1})
	p2 := writeRaw(t, dir, "b.raw", []uint16{2, 2, 2, 2})

	r1 := baseRecord(p1, 8, 0)
	r2 := baseRecord(p2, 8, 2)
	r3e := baseRecord(p2, 8, 2)
	r3e.Echo = 2

	s := buildSeries(t, []index.Record{r1, r2, r3e})

	vol, gaps, err := New(Options{TolerateMissing: true, Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 2)
	if err != nil {
		t.Fatalf("Failed to extract with tolerance: %v", err)
	}
	if gaps != 1 {
		t.Errorf("Expected 1 gap, got %d", gaps)
	}
	// The absent plane stays zero-filled.
	if got := vol.At(0, 0, 0); got != 0 {
		t.Errorf("Expected zero-filled plane, got %g", got)
	}
	if got := vol.At(0, 0, 1); got != 2 {
		t.Errorf("Expected present plane value 2, got %g", got)
	}
}

func TestExtractShortRead(t *testing.T) {
	dir := t.TempDir()
	p := writeRaw(t, dir, "short.raw", []uint16{1, 2})

	rec := baseRecord(p, 4, 0) // needs 8 bytes for a 2x2 uint16 plane
	s := buildSeries(t, []index.Record{rec})

	_, _, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
	if !errors.Is(err, volerr.ErrShortRead) {
		t.Errorf("Expected ErrShortRead, got %v", err)
	}
}

// Short reads follow the missing-slice policy: tolerated ones become
// zero-filled gaps.
func TestExtractShortReadTolerated(t *testing.T) {
	dir := t.TempDir()
	good := writeRaw(t, dir, "good.raw", []uint16{5, 5, 5, 5})
	short := writeRaw(t, dir, "short.raw", []uint16{1, 2})

	r1 := baseRecord(good, 8, 0)
	r2 := baseRecord(short, 4, 2)
	s := buildSeries(t, []index.Record{r1, r2})

	vol, gaps, err := New(Options{TolerateMissing: true, Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
	if err != nil {
		t.Fatalf("Failed to extract with tolerance: %v", err)
	}
	if gaps != 1 {
		t.Errorf("Expected 1 gap, got %d", gaps)
	}
	if got := vol.At(0, 0, 0); got != 5 {
		t.Errorf("Expected intact plane value 5, got %g", got)
	}
	if got := vol.At(0, 0, 1); got != 0 {
		t.Errorf("Expected zero-filled short plane, got %g", got)
	}
}

func TestExtractRescaleModes(t *testing.T) {
	dir := t.TempDir()
	p := writeRaw(t, dir, "r.raw", []uint16{10, 20, 30, 40})

	mk := func() index.Record {
		r := baseRecord(p, 8, 0)
		r.Slope = 0.5
		r.Intercept = -1
		return r
	}

	t.Run("none keeps raw values", func(t *testing.T) {
		s := buildSeries(t, []index.Record{mk()})
		vol, _, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
		if err != nil {
			t.Fatal(err)
		}
		if got := vol.At(0, 0, 0); got != 10 {
			t.Errorf("Expected raw value 10, got %g", got)
		}
		if !vol.Integer {
			t.Error("Expected integer volume")
		}
	})

	t.Run("integer rounds", func(t *testing.T) {
		s := buildSeries(t, []index.Record{mk()})
		vol, _, err := New(Options{Rescale: config.RescaleInteger}, testReport()).Extract(s, "0", 1)
		if err != nil {
			t.Fatal(err)
		}
		if got := vol.At(0, 0, 0); got != 4 { // 10*0.5 - 1
			t.Errorf("Expected rescaled value 4, got %g", got)
		}
		if !vol.Integer {
			t.Error("Expected integer volume to survive integer rescale")
		}
	})

	t.Run("float clears integer flag", func(t *testing.T) {
		s := buildSeries(t, []index.Record{mk()})
		vol, _, err := New(Options{Rescale: config.RescaleFloat}, testReport()).Extract(s, "0", 1)
		if err != nil {
			t.Fatal(err)
		}
		if got := vol.At(0, 0, 0); got != 4 {
			t.Errorf("Expected rescaled value 4, got %g", got)
		}
		if vol.Integer {
			t.Error("Expected float volume after float rescale")
		}
	})

	t.Run("identity pair short-circuits", func(t *testing.T) {
		r := baseRecord(p, 8, 0) // slope 1, intercept 0
		s := buildSeries(t, []index.Record{r})
		vol, _, err := New(Options{Rescale: config.RescaleFloat}, testReport()).Extract(s, "0", 1)
		if err != nil {
			t.Fatal(err)
		}
		if got := vol.At(0, 0, 0); got != 10 {
			t.Errorf("Expected raw value 10 under identity rescale, got %g", got)
		}
		if !vol.Integer {
			t.Error("Expected identity rescale to keep the integer flag")
		}
	})
}

func TestExtractMosaicTiles(t *testing.T) {
	dir := t.TempDir()

	// A 4x4 plane holding a 2x2 grid of 2x2 tiles; each tile is filled
	// with its index.
	plane := []uint16{
		0, 0, 1, 1,
		0, 0, 1, 1,
		2, 2, 3, 3,
		2, 2, 3, 3,
	}
	p := writeRaw(t, dir, "mosaic.raw", plane)

	var recs []index.Record
	for n := 0; n < 4; n++ {
		r := baseRecord(p, 32, float64(n))
		r.Mosaic = &index.Mosaic{
			GridRows: 2, GridCols: 2,
			Row: n / 2, Col: n % 2,
			PlaneRows: 4, PlaneCols: 4,
		}
		recs = append(recs, r)
	}

	s := buildSeries(t, recs)
	vol, _, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
	if err != nil {
		t.Fatalf("Failed to extract mosaic volume: %v", err)
	}

	for k := 0; k < 4; k++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 2; i++ {
				if got := vol.At(i, j, k); got != float64(k) {
					t.Errorf("Tile %d voxel (%d,%d): expected %d, got %g", k, i, j, k, got)
				}
			}
		}
	}
}

func TestExtractMosaicBadGrid(t *testing.T) {
	dir := t.TempDir()
	p := writeRaw(t, dir, "bad.raw", make([]uint16, 16))

	r := baseRecord(p, 32, 0)
	// Declared plane does not divide into the grid.
	r.Mosaic = &index.Mosaic{
		GridRows: 2, GridCols: 2,
		Row: 0, Col: 0,
		PlaneRows: 5, PlaneCols: 4,
	}
	s := buildSeries(t, []index.Record{r})

	_, _, err := New(Options{Rescale: config.RescaleNone}, testReport()).Extract(s, "0", 1)
	if !errors.Is(err, volerr.ErrMosaicGeometry) {
		t.Errorf("Expected ErrMosaicGeometry, got %v", err)
	}
}

func filepathSafe(f float64) string {
	s := ""
	if f < 0 {
		s = "m"
		f = -f
	}
	return s + string(rune('0'+int(f)%10))
}
