package index

import (
	"sort"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"volconv/internal/report"
	"volconv/pkg/orient"
)

// Warning causes recorded during index construction.
const (
	WarnNearMiss       = "orientation merge had near miss (< 2x threshold)"
	WarnAmbiguous      = "orientation merge slice assignment is ambiguous"
	WarnMissingPlanes  = "missing planes in instance order, gaps may be assigned to wrong volume"
	WarnSpacingVaries  = "instance spacing inconsistent, multi-volume slice assignment may be wrong"
	WarnSpacingUnequal = "instance spacing not constant, series probably has multiple volume axes"
	WarnGuessedTimes   = "guessing times from instance numbers"
	WarnMissingSlices  = "missing slices in volumes generated from series"
)

// Record is one slice entry produced by the scanner. A mosaic file
// yields one Record per tile.
type Record struct {
	Path         string
	Offset       int64
	Length       int64
	LittleEndian bool

	StudyID   string
	StudyName string
	SeriesNum string

	Desc   string
	Type   string
	ImType string

	Date, Time           string
	StudyDate, StudyTime string

	Pos  float64
	Pos3 r3.Vec
	TimeKey      string
	Echo         int
	Instance     int
	InstanceTime bool

	Orient     orient.Orientation
	NoGeometry bool

	Rows, Cols int
	Bits       int
	Signed     bool
	Res        [3]float64

	Intercept, Slope float64
	Mosaic           *Mosaic
	AcqTime          string
	Descrip          string
}

// Options control series grouping.
type Options struct {
	// SplitOrient partitions series into orientation-homogeneous
	// sub-series. When disabled, slices of differing orientation are
	// concatenated into one stack with offset position blocks; the
	// resulting geometry is documented as meaningless.
	SplitOrient bool

	// MergeOrient folds near-duplicate orientations (within
	// MergeThreshold degrees on both in-plane axes, strictly) into one.
	MergeOrient    bool
	MergeThreshold float64

	// ForceZLabels always labels sub-series z0000-style instead of
	// trying plane names or letters.
	ForceZLabels bool
}

type studyKey struct{ id, name string }

type orientKey struct {
	o      orient.Orientation
	imType string
}

type seriesAcc struct {
	ser      *Series
	base     string
	orients  map[orient.Orientation]int
	timeSet  map[string]bool
	echoSet  map[int]bool
}

type studyAcc struct {
	key    studyKey
	series map[string]*seriesAcc
	// known orientations per base series number, mapped to the
	// sub-series suffix they were assigned
	known map[string]map[orientKey]string
}

// Builder accumulates scanner records into an Index.
type Builder struct {
	opts    Options
	rep     *report.Collector
	studies map[studyKey]*studyAcc
	order   []studyKey
}

// NewBuilder returns a Builder; warnings go to rep.
func NewBuilder(opts Options, rep *report.Collector) *Builder {
	return &Builder{
		opts:    opts,
		rep:     rep,
		studies: make(map[studyKey]*studyAcc),
	}
}

// Add indexes one slice record.
func (b *Builder) Add(rec Record) {
	sk := studyKey{rec.StudyID, rec.StudyName}
	st, ok := b.studies[sk]
	if !ok {
		st = &studyAcc{
			key:    sk,
			series: make(map[string]*seriesAcc),
			known:  make(map[string]map[orientKey]string),
		}
		b.studies[sk] = st
		b.order = append(b.order, sk)
	}
	if st.known[rec.SeriesNum] == nil {
		st.known[rec.SeriesNum] = make(map[orientKey]string)
	}
	known := st.known[rec.SeriesNum]

	// Fold this slice's orientation into a near-duplicate one, if the
	// merge option is on. The behaviour when several orientations are
	// nearly close enough can depend on file order; the near-miss and
	// ambiguity warnings below let the user notice and adjust the
	// threshold.
	if b.opts.MergeOrient && !rec.NoGeometry {
		var closeEnough *orientKey
		nClose, nNearly := 0, 0
		for ko := range known {
			if ko.imType != rec.ImType {
				continue
			}
			a1, a2 := orient.Angles(rec.Orient, ko.o)
			if a1 < b.opts.MergeThreshold && a2 < b.opts.MergeThreshold {
				k := ko
				closeEnough = &k
				nClose++
			}
			if a1 < b.opts.MergeThreshold*2 && a2 < b.opts.MergeThreshold*2 {
				nNearly++
			}
		}
		if nNearly > nClose {
			b.rep.Warn(WarnNearMiss, rec.Path)
		}

		if closeEnough != nil {
			if nClose > 1 {
				b.rep.Warn(WarnAmbiguous, rec.Path)
			}
			if closeEnough.o != rec.Orient {
				// re-key the merged orientation to its lowest member so
				// the result is independent of discovery order
				lower := orient.Lowest(closeEnough.o, rec.Orient)
				suffix := known[*closeEnough]
				delete(known, *closeEnough)
				known[orientKey{lower, rec.ImType}] = suffix

				if acc, ok := st.series[rec.SeriesNum+suffixName(b.opts.SplitOrient, suffix)]; ok {
					if idx, ok := acc.orients[closeEnough.o]; ok {
						delete(acc.orients, closeEnough.o)
						acc.orients[lower] = idx
						acc.ser.orients[idx] = lower
					}
				}
				rec.Orient = lower
			}
		}
	}

	serName := rec.SeriesNum
	if b.opts.SplitOrient {
		var suffix string
		switch {
		case rec.NoGeometry:
			suffix = "unk"
		default:
			if s, ok := known[orientKey{rec.Orient, rec.ImType}]; ok {
				suffix = s
			} else if n := len(known); n > 0 {
				suffix = "o" + strconv.Itoa(n)
			}
		}
		known[orientKey{rec.Orient, rec.ImType}] = suffix
		serName += suffix
	}

	acc, ok := st.series[serName]
	if !ok {
		acc = &seriesAcc{
			ser: &Series{
				Num:        serName,
				NumOrig:    rec.SeriesNum,
				Rows:       rec.Rows,
				Cols:       rec.Cols,
				Bits:       rec.Bits,
				Signed:     rec.Signed,
				Res:        rec.Res,
				Desc:       rec.Desc,
				Type:       rec.Type,
				ImType:     rec.ImType,
				Date:       rec.Date,
				Time:       rec.Time,
				StudyDate:  rec.StudyDate,
				StudyTime:  rec.StudyTime,
				NoGeometry: rec.NoGeometry,
				Instance:   rec.Instance,
				pos3:       make(map[float64]r3.Vec),
				byKey:      make(map[Key]*Slice),
				missing:    make(map[timeEcho]int),
			},
			base:    rec.SeriesNum,
			orients: make(map[orient.Orientation]int),
			timeSet: make(map[string]bool),
			echoSet: make(map[int]bool),
		}
		st.series[serName] = acc
	}
	ser := acc.ser

	if rec.Instance < ser.Instance {
		ser.Instance = rec.Instance
	}
	ser.InstanceTime = ser.InstanceTime || rec.InstanceTime

	// Concatenating several orientations into one series is allowed when
	// splitting is off; each orientation block is pushed to its own
	// region of the position axis so slices do not collide.
	oi, ok := acc.orients[rec.Orient]
	if !ok {
		oi = len(ser.orients)
		acc.orients[rec.Orient] = oi
		ser.orients = append(ser.orients, rec.Orient)
	}
	posKey := 10000.0*float64(oi) + rec.Pos

	ser.pos3[posKey] = rec.Pos3
	acc.timeSet[rec.TimeKey] = true
	acc.echoSet[rec.Echo] = true
	ser.byKey[Key{posKey, rec.TimeKey, rec.Echo}] = &Slice{
		Loc: Locator{
			Path:         rec.Path,
			Offset:       rec.Offset,
			Length:       rec.Length,
			LittleEndian: rec.LittleEndian,
		},
		Pos3:      rec.Pos3,
		Orient:    rec.Orient,
		Intercept: rec.Intercept,
		Slope:     rec.Slope,
		Mosaic:    rec.Mosaic,
		AcqTime:   rec.AcqTime,
		Descrip:   rec.Descrip,
	}
}

func suffixName(split bool, suffix string) string {
	if split {
		return suffix
	}
	return ""
}

// Build finalizes the index: renames orientation sub-series, collapses
// instance-derived time points into volumes, computes missing-slice
// counts, and freezes stable orderings throughout.
func (b *Builder) Build() *Index {
	if b.opts.SplitOrient {
		b.renameSubseries()
	}

	idx := &Index{}
	for _, sk := range b.order {
		st := b.studies[sk]
		study := &Study{ID: sk.id, Name: sk.name}
		for _, acc := range st.series {
			ser := acc.ser
			b.finalizeSeries(ser, acc)
			if study.Date == "" || ser.StudyDate+ser.StudyTime < study.Date+study.Time {
				study.Date = ser.StudyDate
				study.Time = ser.StudyTime
			}
			study.Series = append(study.Series, ser)
		}
		sort.Slice(study.Series, func(i, j int) bool {
			return SeriesLess(study.Series[i].Num, study.Series[j].Num)
		})
		idx.Studies = append(idx.Studies, study)
	}

	// chronological study order fixes the ordinals used by alias rules
	sort.SliceStable(idx.Studies, func(i, j int) bool {
		a, b := idx.Studies[i], idx.Studies[j]
		if a.Date+a.Time != b.Date+b.Time {
			return a.Date+a.Time < b.Date+b.Time
		}
		return a.ID < b.ID
	})
	for n, st := range idx.Studies {
		st.Ordinal = n
	}
	return idx
}

// renameSubseries relabels orientation sub-series: a single orientation
// keeps its bare number; if every sub-series maps to a distinct plane
// name the short names are used; otherwise letters in instance order, or
// z-labels when forced or past 25 orientations.
func (b *Builder) renameSubseries() {
	for _, st := range b.studies {
		byBase := make(map[string][]*seriesAcc)
		for _, acc := range st.series {
			byBase[acc.base] = append(byBase[acc.base], acc)
		}
		for base, accs := range byBase {
			if len(accs) < 2 {
				continue
			}
			sort.Slice(accs, func(i, j int) bool {
				return accs[i].ser.Instance < accs[j].ser.Instance
			})

			shortNames := !b.opts.ForceZLabels
			names := make(map[*seriesAcc]string)
			if shortNames {
				used := make(map[string]bool)
				for _, acc := range accs {
					var plane string
					if len(acc.ser.orients) == 1 {
						plane = acc.ser.orients[0].PlaneName(orient.StyleShort)
					} else {
						plane = "mix"
					}
					if used[plane] {
						shortNames = false
						break
					}
					used[plane] = true
					names[acc] = base + plane
				}
			}
			if !shortNames {
				label := alphaLabel
				if b.opts.ForceZLabels || len(accs) > 25 {
					label = zLabel
				}
				names = make(map[*seriesAcc]string)
				for n, acc := range accs {
					names[acc] = base + label(n)
				}
			}
			for acc, name := range names {
				acc.ser.Num = name
			}
		}
	}
}

func (b *Builder) finalizeSeries(ser *Series, acc *seriesAcc) {
	if ser.InstanceTime {
		b.collapseInstanceTimes(ser, acc)
	}

	ser.positions = make([]float64, 0, len(ser.pos3))
	for p := range ser.pos3 {
		ser.positions = append(ser.positions, p)
	}
	sort.Float64s(ser.positions)

	ser.times = make([]string, 0, len(acc.timeSet))
	for t := range acc.timeSet {
		ser.times = append(ser.times, t)
	}
	sortNumeric(ser.times)

	ser.echoes = make([]int, 0, len(acc.echoSet))
	for e := range acc.echoSet {
		ser.echoes = append(ser.echoes, e)
	}
	sort.Ints(ser.echoes)

	// count gaps per (time, echo)
	counts := make(map[timeEcho]int)
	for k := range ser.byKey {
		counts[timeEcho{k.Time, k.Echo}]++
	}
	gap := false
	for te, n := range counts {
		missed := len(ser.positions) - n
		ser.missing[te] = missed
		if missed > 0 {
			gap = true
		}
	}
	if gap {
		b.rep.Warn(WarnMissingSlices, ser.AnyPath())
	}
}

type posEcho struct {
	pos  float64
	echo int
}

// collapseInstanceTimes maps instance-number "times" onto real volume
// time points. With no temporal position identifier recorded, each slice
// initially looks like a separate time; slices sharing a (position,
// echo) are ordered by instance number and their rank becomes the volume
// index. Warnings fire when instance spacing suggests the assignment may
// be wrong.
func (b *Builder) collapseInstanceTimes(ser *Series, acc *seriesAcc) {
	groups := make(map[posEcho][]int)
	for k := range ser.byKey {
		t, err := strconv.Atoi(k.Time)
		if err != nil {
			continue
		}
		pe := posEcho{k.Pos, k.Echo}
		groups[pe] = append(groups[pe], t)
	}
	if len(groups) == 0 {
		return
	}

	nt := 0
	sizes := make(map[int]bool)
	for _, ts := range groups {
		sizes[len(ts)] = true
		if len(ts) > nt {
			nt = len(ts)
		}
	}
	if len(sizes) > 1 {
		b.rep.Warn(WarnMissingPlanes, ser.AnyPath())
	}

	timesMap := make(map[int]int)
	var allDeltas []float64
	deltaSeqs := make(map[string]bool)
	for _, ts := range groups {
		sort.Ints(ts)
		seq := ""
		for i := 0; i+1 < len(ts); i++ {
			d := float64(ts[i+1] - ts[i])
			allDeltas = append(allDeltas, d)
			seq += strconv.Itoa(ts[i+1]-ts[i]) + ","
		}
		if seq != "" {
			deltaSeqs[seq] = true
		}
		for ni, t := range ts {
			timesMap[t] = ni
		}
	}

	if len(allDeltas) > 0 {
		sort.Float64s(allDeltas)
		modal, _ := stat.Mode(allDeltas, nil)
		uneven := false
		for _, d := range allDeltas {
			if d != modal {
				uneven = true
				break
			}
		}
		if len(deltaSeqs) > 1 {
			b.rep.Warn(WarnSpacingVaries, ser.AnyPath())
		} else if uneven {
			b.rep.Warn(WarnSpacingUnequal, ser.AnyPath())
		}
	}

	if nt == len(acc.timeSet) {
		return
	}

	newByKey := make(map[Key]*Slice, len(ser.byKey))
	newTimes := make(map[string]bool)
	for k, sl := range ser.byKey {
		t, err := strconv.Atoi(k.Time)
		if err != nil {
			newByKey[k] = sl
			newTimes[k.Time] = true
			continue
		}
		volTime := strconv.Itoa(timesMap[t])
		newByKey[Key{k.Pos, volTime, k.Echo}] = sl
		newTimes[volTime] = true
		if nt > 1 {
			b.rep.Warn(WarnGuessedTimes, sl.Loc.Path)
		}
	}
	ser.byKey = newByKey
	acc.timeSet = newTimes
}
