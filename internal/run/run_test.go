package run

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"volconv/internal/index"
	"volconv/internal/report"
	"volconv/pkg/config"
	"volconv/pkg/gipl"
	"volconv/pkg/nifti"
	"volconv/pkg/orient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	cfg.Output.Dir = t.TempDir()
	r := New(cfg, testLogger())
	r.rep = report.New(testLogger(), false)
	return r
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

func sliceRecord(path, series string, pos float64, time string, echo int) index.Record {
	return index.Record{
		Path:         path,
		Offset:       0,
		Length:       8,
		LittleEndian: true,
		StudyID:      "ST1",
		StudyName:    "subj",
		SeriesNum:    series,
		Desc:         "t1_mpr",
		Pos:          pos,
		Pos3:         r3.Vec{Z: pos},
		TimeKey:      time,
		Echo:         echo,
		Instance:     int(pos),
		Orient:       orient.Axial,
		Rows:         2,
		Cols:         2,
		Bits:         16,
		Res:          [3]float64{1, 1, 2},
		Slope:        1.0,
	}
}

func buildIndex(t *testing.T, recs []index.Record) *index.Index {
	t.Helper()
	b := index.NewBuilder(index.Options{
		SplitOrient:    true,
		MergeOrient:    true,
		MergeThreshold: 0.001,
	}, report.New(testLogger(), false))
	for _, r := range recs {
		b.Add(r)
	}
	return b.Build()
}

// twoSliceIndex builds one complete two-slice series with positions 0
// and 5 along the stack axis and a nominal slice thickness of 2 mm.
func twoSliceIndex(t *testing.T, dir string) *index.Index {
	t.Helper()
	var recs []index.Record
	for _, pos := range []float64{0, 5} {
		p := writeRaw(t, dir, "s"+strconv.Itoa(int(pos))+".raw", []uint16{7, 7, 7, 7})
		recs = append(recs, sliceRecord(p, "3", pos, "0", 1))
	}
	return buildIndex(t, recs)
}

func TestRunSpacingModes(t *testing.T) {
	tests := []struct {
		name    string
		spacing config.SpacingSource
		want    float64
	}{
		{"measured gap", config.SpacingGap, 5},
		{"nominal thickness", config.SpacingThickness, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Geometry.Spacing = tt.spacing
			r := testRunner(t, cfg)

			idx := twoSliceIndex(t, t.TempDir())
			jobs, err := r.plan(idx, nil)
			if err != nil {
				t.Fatalf("Failed to plan: %v", err)
			}
			totals := r.execute(context.Background(), jobs)
			if totals.Written != 1 {
				t.Fatalf("Expected 1 written volume, got %d", totals.Written)
			}

			hdr, dims, _, err := nifti.ReadHeader(jobs[0].path)
			if err != nil {
				t.Fatalf("Failed to read header back: %v", err)
			}
			if dims != [3]int{2, 2, 2} {
				t.Errorf("Expected dims [2 2 2], got %v", dims)
			}
			if hdr.PixDim[2] != tt.want {
				t.Errorf("Expected slice spacing %g, got %g", tt.want, hdr.PixDim[2])
			}
		})
	}
}

func TestRunFormAZeroesOrientation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Geometry.Form = config.FormA
	r := testRunner(t, cfg)

	idx := twoSliceIndex(t, t.TempDir())
	jobs, err := r.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	if totals := r.execute(context.Background(), jobs); totals.Written != 1 {
		t.Fatalf("Expected 1 written volume, got %d", totals.Written)
	}

	hdr, _, _, err := nifti.ReadHeader(jobs[0].path)
	if err != nil {
		t.Fatalf("Failed to read header back: %v", err)
	}
	if hdr.QFormCode != 0 {
		t.Errorf("Expected qform code 0, got %d", hdr.QFormCode)
	}
	if hdr.QData != [6]float64{} {
		t.Errorf("Expected zero quaternion and origin, got %v", hdr.QData)
	}
	if hdr.QFac != 1 {
		t.Errorf("Expected neutral qfac 1, got %g", hdr.QFac)
	}
}

func TestRunDefaultNaming(t *testing.T) {
	cfg := config.DefaultConfig()
	r := testRunner(t, cfg)

	idx := twoSliceIndex(t, t.TempDir())
	jobs, err := r.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}
	// Single time point and echo collapse their markers.
	if jobs[0].name != "0003-t1_mpr" {
		t.Errorf("Expected name 0003-t1_mpr, got %q", jobs[0].name)
	}
}

// A volume with a missing slice is skipped; the others in the same run
// are still written.
func TestRunContainsVolumeFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	r := testRunner(t, cfg)

	dir := t.TempDir()
	var recs []index.Record
	for _, pos := range []float64{0, 5} {
		p := writeRaw(t, dir, "a"+strconv.Itoa(int(pos))+".raw", []uint16{1, 1, 1, 1})
		recs = append(recs, sliceRecord(p, "3", pos, "0", 1))
	}
	// Second series covers both positions at echo 1 but only one at
	// echo 2, so the echo-2 volume has a hole.
	for _, pos := range []float64{0, 5} {
		p := writeRaw(t, dir, "b"+strconv.Itoa(int(pos))+".raw", []uint16{2, 2, 2, 2})
		recs = append(recs, sliceRecord(p, "5", pos, "0", 1))
	}
	p := writeRaw(t, dir, "b0e2.raw", []uint16{3, 3, 3, 3})
	recs = append(recs, sliceRecord(p, "5", 0, "0", 2))

	idx := buildIndex(t, recs)
	jobs, err := r.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}

	totals := r.execute(context.Background(), jobs)
	if totals.Attempted != 3 {
		t.Errorf("Expected 3 attempted volumes, got %d", totals.Attempted)
	}
	if totals.Written != 2 {
		t.Errorf("Expected 2 written volumes, got %d", totals.Written)
	}
	if totals.Skipped != 1 {
		t.Errorf("Expected 1 skipped volume, got %d", totals.Skipped)
	}

	// The tolerant setting turns the same hole into a zero-filled gap.
	cfg2 := config.DefaultConfig()
	cfg2.Extract.TolerateMissing = true
	r2 := testRunner(t, cfg2)
	jobs2, err := r2.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	totals2 := r2.execute(context.Background(), jobs2)
	if totals2.Written != 3 {
		t.Errorf("Expected 3 written volumes, got %d", totals2.Written)
	}
	if totals2.Gapped != 1 {
		t.Errorf("Expected 1 gapped volume, got %d", totals2.Gapped)
	}
}

// Planning is sequential, so names are independent of how many workers
// later run the extraction.
func TestRunPlanDeterministic(t *testing.T) {
	dir := t.TempDir()
	var recs []index.Record
	for _, series := range []string{"10", "3"} {
		for _, pos := range []float64{0, 5} {
			p := writeRaw(t, dir, series+"-"+strconv.Itoa(int(pos))+".raw", []uint16{1, 1, 1, 1})
			recs = append(recs, sliceRecord(p, series, pos, "0", 1))
		}
	}
	idx := buildIndex(t, recs)

	var first []string
	for i := 0; i < 3; i++ {
		cfg := config.DefaultConfig()
		cfg.Output.Jobs = 4
		r := testRunner(t, cfg)
		jobs, err := r.plan(idx, nil)
		if err != nil {
			t.Fatalf("Failed to plan: %v", err)
		}
		var names []string
		for _, j := range jobs {
			names = append(names, j.name)
		}
		if first == nil {
			first = names
			continue
		}
		for i := range first {
			if names[i] != first[i] {
				t.Errorf("Plan %d: expected name %q, got %q", i, first[i], names[i])
			}
		}
	}
	// Numeric series order: 3 before 10.
	if first[0] != "0003-t1_mpr" || first[1] != "0010-t1_mpr" {
		t.Errorf("Expected series-ordered names, got %v", first)
	}
}

func TestRunFlatNames(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.FlatNames = true
	r := testRunner(t, cfg)

	dir := t.TempDir()
	var recs []index.Record
	for _, series := range []string{"3", "5"} {
		for _, pos := range []float64{0, 5} {
			p := writeRaw(t, dir, series+"-"+strconv.Itoa(int(pos))+".raw", []uint16{1, 1, 1, 1})
			recs = append(recs, sliceRecord(p, series, pos, "0", 1))
		}
	}
	jobs, err := r.plan(buildIndex(t, recs), nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	want := []string{"0000", "0001"}
	for i, j := range jobs {
		if j.name != want[i] {
			t.Errorf("Job %d: expected name %q, got %q", i, want[i], j.name)
		}
	}
}

func TestRunGIPLOutput(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Format = config.FormatGIPL
	r := testRunner(t, cfg)

	idx := twoSliceIndex(t, t.TempDir())
	jobs, err := r.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	totals := r.execute(context.Background(), jobs)
	if totals.Written != 1 {
		t.Fatalf("Expected 1 written volume, got %d", totals.Written)
	}
	if filepath.Ext(jobs[0].path) != ".gipl" {
		t.Errorf("Expected .gipl extension, got %q", jobs[0].path)
	}

	hdr, dims, _, err := gipl.ReadHeader(jobs[0].path)
	if err != nil {
		t.Fatalf("Failed to read header back: %v", err)
	}
	if dims != [3]int{2, 2, 2} {
		t.Errorf("Expected dims [2 2 2], got %v", dims)
	}
	if hdr.VoxDim[2] != 5 {
		t.Errorf("Expected slice spacing 5, got %g", hdr.VoxDim[2])
	}
}

func TestRunWritesIndexJSON(t *testing.T) {
	cfg := config.DefaultConfig()
	r := testRunner(t, cfg)

	idx := twoSliceIndex(t, t.TempDir())
	jobs, err := r.plan(idx, nil)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	if err := r.writeIndex(idx, jobs); err != nil {
		t.Fatalf("Failed to write index: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "index.json"))
	if err != nil {
		t.Fatalf("Failed to read index.json: %v", err)
	}
	var entries []indexSeries
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("Failed to parse index.json: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Series != "3" || entries[0].Slices != 2 {
		t.Errorf("Expected series 3 with 2 slices, got %+v", entries[0])
	}
	if entries[0].File != filepath.Base(jobs[0].path) {
		t.Errorf("Expected file %q, got %q", filepath.Base(jobs[0].path), entries[0].File)
	}
}
