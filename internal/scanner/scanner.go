// Package scanner reads DICOM headers from disk and turns each file
// into one or more indexable slice records. It parses attributes with
// the dicom library, recovers the raw pixel-data byte range with a
// second lightweight pass, and expands Siemens mosaic files into one
// record per tile.
package scanner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"volconv/internal/index"
	"volconv/internal/report"
	"volconv/pkg/config"
	"volconv/pkg/orient"
)

// Warning kinds reported while scanning.
const (
	WarnNoGeometry    = "unknown geometry, using naive stacking"
	WarnNoInstance    = "missing instance number, assuming 1"
	WarnNoThickness   = "unknown slice thickness, assuming 1mm"
	WarnNoResolution  = "unknown resolution, assuming 1x1x1mm"
	WarnMosaicGuessed = "mosaic layout is not standards-based, beware geometry"
	WarnDummyMosaic   = "not unpacking mosaic for dummy image"

	skipNoMatch    = "description didn't match include pattern, skipping file"
	skipExcluded   = "description matched exclude pattern, skipping file"
	skipTypeMiss   = "type didn't match include value, skipping file"
	skipTypeHit    = "type matched exclude value, skipping file"
	skipNoGeometry = "no geometry and stacking not enabled, skipping file"
	skipUnreadable = "unreadable file, skipping"
)

// Options control filtering and record production.
type Options struct {
	// Pattern restricts scanning to paths matching this regex.
	Pattern string

	// DescInclude and DescExclude filter on the series description.
	DescInclude string
	DescExclude string

	// TypeInclude and TypeExclude filter on image type components,
	// case-insensitively.
	TypeInclude string
	TypeExclude string

	// Single collapses study, subject and series identities into the
	// first ones seen.
	Single bool

	// Order selects the slice ordering key source.
	Order config.OrderSource

	// Mosaic forces a tile count instead of consulting the private
	// vendor header. Zero autodetects.
	Mosaic int
}

// Scanner walks input paths and feeds slice records to an index builder.
type Scanner struct {
	opts Options

	pattern *regexp.Regexp
	descInc *regexp.Regexp
	descExc *regexp.Regexp

	log *slog.Logger
	rep *report.Collector

	// Identity latches for single-subject collapsing.
	singleStudy, singleName, singleSer string
}

// New compiles the option patterns. DescInclude follows search
// semantics: the empty pattern matches everything.
func New(opts Options, log *slog.Logger, rep *report.Collector) (*Scanner, error) {
	s := &Scanner{opts: opts, log: log, rep: rep}

	var err error
	if opts.Pattern != "" {
		if s.pattern, err = regexp.Compile(opts.Pattern); err != nil {
			return nil, fmt.Errorf("path pattern: %w", err)
		}
	}
	if s.descInc, err = regexp.Compile(opts.DescInclude); err != nil {
		return nil, fmt.Errorf("description include pattern: %w", err)
	}
	if opts.DescExclude != "" {
		if s.descExc, err = regexp.Compile(opts.DescExclude); err != nil {
			return nil, fmt.Errorf("description exclude pattern: %w", err)
		}
	}
	return s, nil
}

// CollectFiles expands each input path into the sorted list of files
// under it that pass the path pattern. Non-directory paths are taken
// as-is.
func (s *Scanner) CollectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if s.pattern == nil || s.pattern.MatchString(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Scan reads every collected file and adds its records to the builder.
// Per-file failures are collected as warnings; only path walking errors
// abort the scan.
func (s *Scanner) Scan(paths []string, b *index.Builder) (int, error) {
	files, err := s.CollectFiles(paths)
	if err != nil {
		return 0, err
	}

	read := 0
	for _, f := range files {
		recs, err := s.ScanFile(f)
		if err != nil {
			s.rep.Warn(err.Error(), f)
			continue
		}
		for i := range recs {
			b.Add(recs[i])
		}
		read++
	}
	s.log.Info("scan complete", "files", len(files), "read", read)
	return read, nil
}

// ScanFile reads one file's header and returns its slice records: one
// for a plain file, one per tile for a mosaic. The returned error
// carries the skip reason for files filtered out or unreadable.
func (s *Scanner) ScanFile(path string) ([]index.Record, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%s: %v", skipUnreadable, err)
	}
	d := dset{ds}

	rec := index.Record{Path: path, Slope: 1.0}

	rec.StudyID = d.strOr(0x0020, 0x000D, "anon")
	rec.StudyName = d.strOr(0x0010, 0x0010, "anon")
	if s.opts.Single {
		if s.singleStudy == "" {
			s.singleStudy = rec.StudyID
			s.singleName = rec.StudyName
		}
		rec.StudyID = s.singleStudy + "_S"
		rec.StudyName = s.singleName + "_S"
	}

	rec.Echo = d.intOr(0x0018, 0x0086, 1)

	// Description ladder: series desc, protocol name, study desc.
	rec.Desc = d.strOr(0x0008, 0x103e,
		d.strOr(0x0018, 0x1030,
			d.strOr(0x0008, 0x1030, "unknown")))

	if !s.descInc.MatchString(rec.Desc) {
		return nil, fmt.Errorf("%s", skipNoMatch)
	}
	if s.descExc != nil && s.descExc.MatchString(rec.Desc) {
		return nil, fmt.Errorf("%s", skipExcluded)
	}

	imageType := d.strings(0x0008, 0x0008)
	rec.Type = strings.Join(imageType, "/")
	if len(imageType) > 2 {
		rec.ImType = strings.ToLower(strings.ReplaceAll(imageType[2], " ", "_"))
	}
	if s.opts.TypeInclude != "" && !containsFold(imageType, s.opts.TypeInclude) {
		return nil, fmt.Errorf("%s", skipTypeMiss)
	}
	if s.opts.TypeExclude != "" && containsFold(imageType, s.opts.TypeExclude) {
		return nil, fmt.Errorf("%s", skipTypeHit)
	}

	rec.SeriesNum = strings.TrimLeft(d.strOr(0x0020, 0x0011, "0"), " ")
	if s.opts.Single {
		if s.singleSer == "" {
			s.singleSer = rec.SeriesNum
		}
		rec.SeriesNum = s.singleSer + "S"
	}

	if err := s.fillGeometry(d, &rec, path); err != nil {
		return nil, err
	}
	if err := s.fillShape(d, &rec, path); err != nil {
		return nil, err
	}
	s.fillTimes(d, &rec)

	if i, ok := d.float(0x0028, 0x1052); ok {
		rec.Intercept = i
	}
	if sl, ok := d.float(0x0028, 0x1053); ok {
		rec.Slope = sl
	}

	pr, err := locatePixelData(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", skipUnreadable, err)
	}
	rec.Offset = pr.Offset
	rec.Length = pr.Length
	rec.LittleEndian = pr.LittleEndian

	rec.Descrip = s.buildDescrip(d, rec.Type)

	nmos := s.mosaicCount(d, imageType, path)
	if nmos > 1 {
		return s.expandMosaic(d, rec, nmos, path)
	}
	return []index.Record{rec}, nil
}

// fillGeometry resolves position, orientation and the ordering key.
func (s *Scanner) fillGeometry(d dset, rec *index.Record, path string) error {
	_, hasPos := d.str(0x0020, 0x0032)
	_, hasOrn := d.str(0x0020, 0x0037)

	if !hasPos || !hasOrn {
		if s.opts.Order == config.OrderStack || s.opts.Order == config.OrderInstance {
			rec.NoGeometry = true
			s.rep.Warn(WarnNoGeometry, path)
		} else {
			return fmt.Errorf("%s", skipNoGeometry)
		}
	}

	if inst, ok := d.int(0x0020, 0x0013); ok {
		rec.Instance = inst
	} else {
		rec.Instance = 1
		s.rep.Warn(WarnNoInstance, path)
	}

	if rec.NoGeometry {
		rec.Orient = orient.Axial
		rec.Pos = float64(rec.Instance)
		rec.Pos3 = r3.Vec{Z: float64(rec.Instance)}
		return nil
	}

	pos := d.floats(0x0020, 0x0032)
	orn := d.floats(0x0020, 0x0037)
	if len(pos) < 3 || len(orn) < 6 {
		return fmt.Errorf("%s", skipNoGeometry)
	}
	rec.Pos3 = r3.Vec{X: pos[0], Y: pos[1], Z: pos[2]}
	rec.Orient = orient.Orientation{
		I: r3.Vec{X: orn[0], Y: orn[1], Z: orn[2]},
		J: r3.Vec{X: orn[3], Y: orn[4], Z: orn[5]},
	}

	switch s.opts.Order {
	case config.OrderProjected:
		rec.Pos = r3.Dot(rec.Orient.NormK(), rec.Pos3)
	case config.OrderInstance:
		rec.Pos = float64(rec.Instance)
	default:
		if loc, ok := d.float(0x0020, 0x1041); ok {
			rec.Pos = loc
		} else {
			rec.Pos = pos[2]
		}
	}
	return nil
}

// fillShape resolves matrix size, sample format and voxel resolution.
func (s *Scanner) fillShape(d dset, rec *index.Record, path string) error {
	rows, okR := d.int(0x0028, 0x0010)
	cols, okC := d.int(0x0028, 0x0011)
	bits, okB := d.int(0x0028, 0x0100)
	if !okR || !okC || !okB {
		return fmt.Errorf("missing element (0028,0010/0011/0100), skipping file")
	}
	rec.Rows, rec.Cols, rec.Bits = rows, cols, bits
	rec.Signed = d.intOr(0x0028, 0x0103, 0) == 1

	spacing := d.floats(0x0028, 0x0030)
	if len(spacing) < 2 {
		rec.Res = [3]float64{1, 1, 1}
		s.rep.Warn(WarnNoResolution, path)
		return nil
	}
	rec.Res[0], rec.Res[1] = spacing[0], spacing[1]

	// Spacing-between-slices is preferred over nominal thickness.
	if v, ok := d.float(0x0018, 0x0088); ok {
		rec.Res[2] = v
	} else if v, ok := d.float(0x0018, 0x0050); ok {
		rec.Res[2] = v
	} else {
		rec.Res[2] = 1.0
		s.rep.Warn(WarnNoThickness, path)
	}
	return nil
}

// fillTimes resolves dates, times and the temporal position key.
func (s *Scanner) fillTimes(d dset, rec *index.Record) {
	if t, ok := d.str(0x0020, 0x0100); ok {
		rec.TimeKey = t
	} else if inst, ok := d.str(0x0020, 0x0013); ok {
		// No temporal position: fall back to instance numbers and let
		// the index collapse them into volume times later.
		rec.TimeKey = inst
		rec.InstanceTime = true
	} else {
		rec.TimeKey = "0"
	}

	// Date ladder: study, then series, then acquisition date. A study
	// date of all zeroes counts as absent.
	rec.Date = "00000000"
	for _, e := range []uint16{0x0020, 0x0021, 0x0022} {
		if v, ok := d.str(0x0008, e); ok && !allZeroDigits(v) {
			rec.Date = v
			break
		}
	}

	rec.Time = d.strOr(0x0008, 0x0031, d.strOr(0x0008, 0x0030, "0000"))
	rec.StudyTime = d.strOr(0x0008, 0x0030, "0000")
	rec.StudyDate = "00000000"
	if v, ok := d.str(0x0008, 0x0020); ok && !allZeroDigits(v) {
		rec.StudyDate = v
	}

	rec.AcqTime = d.strOr(0x0008, 0x0032, rec.Time)
}

// buildDescrip composes the free-text output header line from the MR
// acquisition parameters, in the format analysis packages look for.
func (s *Scanner) buildDescrip(d dset, imageType string) string {
	field, ok1 := d.float(0x0018, 0x0087)
	acqType, ok2 := d.str(0x0018, 0x0023)
	seq, ok3 := d.str(0x0018, 0x0020)
	if !ok1 || !ok2 || !ok3 {
		return "missing"
	}

	opts := d.strOr(0x0018, 0x0022, "no")
	if opts == "" {
		opts = "no"
	}
	mosaic := ""
	if strings.Contains(strings.ToUpper(imageType), "MOSAIC") {
		mosaic = " Mosaic"
	}

	tr, _ := d.float(0x0018, 0x0080)
	te, _ := d.float(0x0018, 0x0081)
	flip, _ := d.float(0x0018, 0x1314)

	return fmt.Sprintf("%gT %s %s TR=%gms/TE=%gms/FA=%gdeg/SO=%s%s",
		field, acqType, strings.Join(strings.Fields(seq), ""),
		tr, te, flip, opts, mosaic)
}

// mosaicCount returns the tile count of a mosaic file, or zero. The
// private vendor header is only consulted when the image type claims a
// mosaic; dummy preparation images carry the full header around a tiny
// placeholder plane and are never unpacked.
func (s *Scanner) mosaicCount(d dset, imageType []string, path string) int {
	if containsSub(imageType, "DUMMY IMAGE") {
		if s.opts.Mosaic > 0 || containsSub(imageType, "MOSAIC") {
			s.rep.Warn(WarnDummyMosaic, path)
		}
		return 0
	}
	if s.opts.Mosaic > 0 {
		return s.opts.Mosaic
	}
	if !containsSub(imageType, "MOSAIC") {
		return 0
	}

	blob := d.bytes(0x0029, 0x1010)
	if blob == nil {
		return 0
	}
	csa, err := parseCSA2(blob)
	if err != nil {
		s.rep.Warn("bad vendor header, not unpacking mosaic", path)
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(csa.First("NumberOfImagesInMosaic")))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// expandMosaic turns one mosaic record into per-tile records. The
// recorded position is the top-left of the whole mosaic plane; the true
// first-slice position sits half the trimmed extent in along each
// in-plane axis, and each subsequent tile steps one spacing along the
// normal.
func (s *Scanner) expandMosaic(d dset, rec index.Record, nmos int, path string) ([]index.Record, error) {
	s.rep.Warn(WarnMosaicGuessed, path)

	fac := int(math.Ceil(math.Sqrt(float64(nmos))))
	mrows, mcols := rec.Rows, rec.Cols
	rows, cols := mrows/fac, mcols/fac
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("mosaic plane %dx%d too small for %d tiles, skipping file", mrows, mcols, nmos)
	}

	spacing := rec.Res[2]
	if v, ok := d.float(0x0018, 0x0088); ok {
		spacing = v
	}

	i, j := rec.Orient.I, rec.Orient.J
	k := rec.Orient.NormK()
	colcor := float64(mcols-cols) / 2.0
	rowcor := float64(mrows-rows) / 2.0
	truepos := rec.Pos3
	truepos = r3.Add(truepos, r3.Scale(rec.Res[0]*colcor, i))
	truepos = r3.Add(truepos, r3.Scale(rec.Res[1]*rowcor, j))

	recs := make([]index.Record, nmos)
	for seen := 0; seen < nmos; seen++ {
		r := rec
		r.Rows, r.Cols = rows, cols
		r.Pos = rec.Pos + spacing*float64(seen)
		r.Pos3 = r3.Add(truepos, r3.Scale(spacing*float64(seen), k))
		r.Mosaic = &index.Mosaic{
			GridRows:  fac,
			GridCols:  fac,
			Row:       seen / fac,
			Col:       seen % fac,
			PlaneRows: mrows,
			PlaneCols: mcols,
		}
		recs[seen] = r
	}
	return recs, nil
}

// dset wraps a parsed dataset with tolerant typed getters. DICOM value
// multiplicity and the string-encoded numeric VRs make every read a
// small negotiation.
type dset struct {
	ds dicom.Dataset
}

func (d dset) element(g, e uint16) *dicom.Element {
	el, err := d.ds.FindElementByTag(tag.Tag{Group: g, Element: e})
	if err != nil {
		return nil
	}
	return el
}

func (d dset) strings(g, e uint16) []string {
	el := d.element(g, e)
	if el == nil || el.Value.ValueType() != dicom.Strings {
		return nil
	}
	return dicom.MustGetStrings(el.Value)
}

func (d dset) str(g, e uint16) (string, bool) {
	el := d.element(g, e)
	if el == nil {
		return "", false
	}
	switch el.Value.ValueType() {
	case dicom.Strings:
		v := dicom.MustGetStrings(el.Value)
		if len(v) == 0 {
			return "", false
		}
		return strings.TrimSpace(v[0]), true
	case dicom.Ints:
		v := dicom.MustGetInts(el.Value)
		if len(v) == 0 {
			return "", false
		}
		return strconv.Itoa(v[0]), true
	}
	return "", false
}

func (d dset) strOr(g, e uint16, def string) string {
	if v, ok := d.str(g, e); ok {
		return v
	}
	return def
}

func (d dset) int(g, e uint16) (int, bool) {
	el := d.element(g, e)
	if el == nil {
		return 0, false
	}
	switch el.Value.ValueType() {
	case dicom.Ints:
		v := dicom.MustGetInts(el.Value)
		if len(v) == 0 {
			return 0, false
		}
		return v[0], true
	case dicom.Strings:
		v := dicom.MustGetStrings(el.Value)
		if len(v) == 0 {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(v[0]))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (d dset) intOr(g, e uint16, def int) int {
	if v, ok := d.int(g, e); ok {
		return v
	}
	return def
}

func (d dset) float(g, e uint16) (float64, bool) {
	v := d.floats(g, e)
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

func (d dset) floats(g, e uint16) []float64 {
	el := d.element(g, e)
	if el == nil {
		return nil
	}
	switch el.Value.ValueType() {
	case dicom.Floats:
		return dicom.MustGetFloats(el.Value)
	case dicom.Ints:
		iv := dicom.MustGetInts(el.Value)
		out := make([]float64, len(iv))
		for i, n := range iv {
			out[i] = float64(n)
		}
		return out
	case dicom.Strings:
		sv := dicom.MustGetStrings(el.Value)
		out := make([]float64, 0, len(sv))
		for _, s := range sv {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

func (d dset) bytes(g, e uint16) []byte {
	el := d.element(g, e)
	if el == nil || el.Value.ValueType() != dicom.Bytes {
		return nil
	}
	return dicom.MustGetBytes(el.Value)
}

func containsFold(vals []string, want string) bool {
	for _, v := range vals {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func containsSub(vals []string, want string) bool {
	return strings.Contains(strings.ToUpper(strings.Join(vals, " ")), want)
}

func allZeroDigits(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n == 0
}
