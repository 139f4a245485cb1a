// Package index holds the in-memory slice index: the mapping from
// ordering keys (stack position, time point, echo index) to slice
// provenance, grouped into series and studies. The index is populated
// once by the scanner through a Builder and is read-only afterwards;
// extraction never mutates it.
package index

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"volconv/pkg/orient"
)

// Key identifies one slice within a series.
type Key struct {
	Pos  float64 // stack position
	Time string  // time point identifier (numeric string)
	Echo int
}

// Locator records where a slice's pixel data lives on disk.
type Locator struct {
	Path         string
	Offset       int64
	Length       int64
	LittleEndian bool
}

// Mosaic describes a tiled acquisition: the decoded plane is a
// GridRows×GridCols grid of tiles and this slice's true pixel content is
// the tile at (Row, Col). PlaneRows/PlaneCols are the decoded plane
// dimensions; the extractor verifies them against the grid arithmetic.
type Mosaic struct {
	GridRows, GridCols   int
	Row, Col             int
	PlaneRows, PlaneCols int
}

// Slice is one indexed 2D plane. Immutable once indexed.
type Slice struct {
	Loc    Locator
	Pos3   r3.Vec
	Orient orient.Orientation

	// Rescale pair: physical = raw*Slope + Intercept.
	Intercept, Slope float64

	Mosaic  *Mosaic
	AcqTime string
	Descrip string
}

type timeEcho struct {
	time string
	echo int
}

// Series is an ordered collection of slices sharing acquisition
// identity. All slices in a series share the same in-plane resolution.
type Series struct {
	// Num is the series number, possibly carrying an orientation
	// sub-series suffix. NumOrig is the bare recorded number.
	Num     string
	NumOrig string

	Rows, Cols int
	Bits       int
	Signed     bool

	// Res is in-plane pixel spacing plus nominal through-plane spacing,
	// in mm.
	Res [3]float64

	Desc   string
	Type   string
	ImType string

	Date, Time           string
	StudyDate, StudyTime string

	NoGeometry   bool
	InstanceTime bool
	Instance     int

	positions []float64
	times     []string
	echoes    []int
	pos3      map[float64]r3.Vec
	byKey     map[Key]*Slice
	orients   []orient.Orientation
	missing   map[timeEcho]int
}

// Positions returns the stack positions in ascending numeric order.
func (s *Series) Positions() []float64 { return s.positions }

// Times returns the time point identifiers in ascending numeric order.
func (s *Series) Times() []string { return s.times }

// Echoes returns the echo indices in ascending order.
func (s *Series) Echoes() []int { return s.echoes }

// Orients returns the distinct slice orientations observed, in discovery
// order.
func (s *Series) Orients() []orient.Orientation { return s.orients }

// Get looks up the slice for a composite key.
func (s *Series) Get(k Key) (*Slice, bool) {
	sl, ok := s.byKey[k]
	return sl, ok
}

// PosVec returns the 3D location recorded for a stack position.
func (s *Series) PosVec(pos float64) r3.Vec { return s.pos3[pos] }

// MissingAt returns how many expected positions have no slice for one
// (time, echo) selection.
func (s *Series) MissingAt(time string, echo int) int {
	return s.missing[timeEcho{time, echo}]
}

// Gaps returns the total number of missing planes across the series and
// the number of volumes affected.
func (s *Series) Gaps() (planes, volumes int) {
	for _, n := range s.missing {
		if n > 0 {
			planes += n
			volumes++
		}
	}
	return planes, volumes
}

// AnyPath returns a representative source path, used when a warning
// needs an example file.
func (s *Series) AnyPath() string {
	for _, sl := range s.byKey {
		return sl.Loc.Path
	}
	return ""
}

// Study groups series sharing acquisition context. Ordinal is the
// chronological order of the study among all studies in the run.
type Study struct {
	ID      string
	Name    string
	Ordinal int
	Date    string
	Time    string
	Series  []*Series
}

// Index is the immutable result of a scan.
type Index struct {
	Studies []*Study
}

// VolumeCount returns the total number of (series, time, echo) output
// units in the index.
func (x *Index) VolumeCount() int {
	n := 0
	for _, st := range x.Studies {
		for _, se := range st.Series {
			n += len(se.times) * len(se.echoes)
		}
	}
	return n
}

var seriesNumPat = regexp.MustCompile(`^(\d+)(\w*)`)

// NormalizeSeriesNum pads the numeric part of a series number to four
// digits so that string comparison orders series numerically, keeping
// any sub-series suffix as a tie-breaker. Non-numeric input sorts after
// everything else unchanged.
func NormalizeSeriesNum(num string) string {
	m := seriesNumPat.FindStringSubmatch(num)
	if m == nil {
		return "~" + num
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "~" + num
	}
	return fmt.Sprintf("%04d%s", n, m[2])
}

// SeriesLess is the numeric series comparator threaded through
// orchestration and alias-rule counting.
func SeriesLess(a, b string) bool {
	return NormalizeSeriesNum(a) < NormalizeSeriesNum(b)
}

func sortNumeric(vals []string) {
	sort.Slice(vals, func(i, j int) bool {
		fi, erri := strconv.ParseFloat(vals[i], 64)
		fj, errj := strconv.ParseFloat(vals[j], 64)
		if erri != nil || errj != nil {
			return vals[i] < vals[j]
		}
		return fi < fj
	})
}

// alphaLabel generates sub-series labels a..y, falling back to the
// zNNNN form beyond 25 orientations.
func alphaLabel(n int) string {
	if n <= 24 {
		return string(rune('a' + n))
	}
	return zLabel(n)
}

func zLabel(n int) string {
	return fmt.Sprintf("z%04d", n)
}
