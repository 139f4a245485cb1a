// Package run orchestrates a conversion: scan, index, match, then one
// volume at a time through extraction, geometry and the writers.
// Per-volume failures are contained; only configuration problems abort
// a run.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"volconv/internal/index"
	"volconv/internal/report"
	"volconv/internal/scanner"
	"volconv/internal/volerr"
	"volconv/pkg/config"
	"volconv/pkg/extract"
	"volconv/pkg/gipl"
	"volconv/pkg/match"
	"volconv/pkg/nifti"
	"volconv/pkg/orient"
)

// defaultTemplate names unmatched series when no rule file is loaded.
const defaultTemplate = "%(series)-%(desc)?(-t)?(-echo)"

// Totals summarizes a run. Attempted counts volumes handed to the
// extractor; Skipped counts per-volume failures; Gapped counts written
// volumes containing zero-filled planes.
type Totals struct {
	Attempted int
	Written   int
	Skipped   int
	Gapped    int
}

// Runner drives one conversion run.
type Runner struct {
	cfg *config.Config
	log *slog.Logger
	rep *report.Collector
}

func New(cfg *config.Config, log *slog.Logger) *Runner {
	return &Runner{
		cfg: cfg,
		log: log,
		rep: report.New(log, cfg.Output.Verbose),
	}
}

// job is one planned volume: its selection keys and resolved output
// path. Planning is strictly sequential in study/series/time/echo order
// so that rule occurrence counting never depends on scheduling.
type job struct {
	study *index.Study
	ser   *index.Series
	time  string
	tIdx  int
	echo  int

	alias string
	name  string
	path  string
}

// Run executes the whole conversion. The returned Totals reflect every
// planned volume; the error is non-nil only for configuration and
// run-level failures, never for individual volumes.
func (r *Runner) Run(ctx context.Context) (Totals, error) {
	if err := r.cfg.Validate(); err != nil {
		return Totals{}, err
	}

	idx, err := r.scan()
	if err != nil {
		return Totals{}, err
	}
	if idx.VolumeCount() == 0 {
		r.log.Warn("no volumes found")
		r.rep.Summarize()
		return Totals{}, nil
	}

	var matcher *match.Matcher
	if r.cfg.Output.MatchFile != "" {
		matcher, err = match.Load(r.cfg.Output.MatchFile)
		if err != nil {
			return Totals{}, fmt.Errorf("%w: %v", volerr.ErrConfig, err)
		}
		matcher.FindMatches(idx)
	}

	jobs, err := r.plan(idx, matcher)
	if err != nil {
		return Totals{}, err
	}

	if err := os.MkdirAll(r.cfg.Output.Dir, 0755); err != nil {
		return Totals{}, fmt.Errorf("creating output directory: %w", err)
	}

	totals := r.execute(ctx, jobs)

	if r.cfg.Output.IndexJSON {
		if err := r.writeIndex(idx, jobs); err != nil {
			r.log.Error("writing index.json", "err", err)
		}
	}

	r.rep.Summarize()
	r.log.Info("run complete",
		"attempted", totals.Attempted, "written", totals.Written,
		"skipped", totals.Skipped, "gapped", totals.Gapped)
	return totals, nil
}

func (r *Runner) scan() (*index.Index, error) {
	sc, err := scanner.New(scanner.Options{
		Pattern:     r.cfg.Input.Pattern,
		DescInclude: r.cfg.Input.DescInclude,
		DescExclude: r.cfg.Input.DescExclude,
		TypeInclude: r.cfg.Input.TypeInclude,
		TypeExclude: r.cfg.Input.TypeExclude,
		Single:      r.cfg.Input.Single,
		Order:       r.cfg.Geometry.Order,
		Mosaic:      r.cfg.Extract.Mosaic,
	}, r.log, r.rep)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", volerr.ErrConfig, err)
	}

	b := index.NewBuilder(index.Options{
		SplitOrient:    r.cfg.Geometry.SplitOrient,
		MergeOrient:    r.cfg.Geometry.MergeOrient,
		MergeThreshold: r.cfg.Geometry.MergeThreshold,
		ForceZLabels:   r.cfg.Geometry.ZSubseries,
	}, r.rep)

	if _, err := sc.Scan(r.cfg.Input.Paths, b); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// plan walks the index in deterministic order and resolves inclusion
// and naming for every volume.
func (r *Runner) plan(idx *index.Index, matcher *match.Matcher) ([]*job, error) {
	var jobs []*job
	var ctxs []*match.NameContext

	counter := 0
	for _, st := range idx.Studies {
		for _, ser := range st.Series {
			alias, occurrence, multi := "", 0, false
			matched := true
			if matcher != nil {
				alias, occurrence, multi, matched = matcher.Match(st.ID, st.Name, ser.Num)
				if !matched && !r.cfg.Output.WriteAll {
					r.log.Debug("unmatched series skipped", "study", st.ID, "series", ser.Num)
					continue
				}
			}

			for tIdx, tm := range ser.Times() {
				for _, echo := range ser.Echoes() {
					nc := &match.NameContext{
						Alias:      alias,
						Desc:       ser.Desc,
						Type:       ser.ImType,
						Date:       ser.Date,
						Series:     index.NormalizeSeriesNum(ser.Num),
						Time:       tIdx,
						Times:      len(ser.Times()),
						Echo:       echo,
						Echoes:     len(ser.Echoes()),
						Study:      st.Ordinal,
						Studies:    len(idx.Studies),
						Count:      occurrence,
						CountMulti: multi,
						Counter:    counter,
					}
					counter++

					jobs = append(jobs, &job{
						study: st, ser: ser,
						time: tm, tIdx: tIdx, echo: echo,
						alias: alias,
					})
					ctxs = append(ctxs, nc)
				}
			}
		}
	}

	taken := map[string]int{}
	for i, j := range jobs {
		ctxs[i].Counters = counter

		tpl := defaultTemplate
		switch {
		case r.cfg.Output.FlatNames:
			tpl = "%(counter)"
		case matcher != nil:
			if _, _, _, ok := matcher.Match(j.study.ID, j.study.Name, j.ser.Num); ok {
				tpl = matcher.Template(j.study.ID, j.study.Name, j.ser.Num)
			}
		}

		name, err := match.Expand(tpl, ctxs[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", volerr.ErrConfig, err)
		}
		if n := taken[name]; n > 0 {
			taken[name] = n + 1
			name = fmt.Sprintf("%s-%d", name, n)
		}
		taken[name]++

		j.name = name
		j.path = filepath.Join(r.cfg.Output.Dir, name+r.extension())
	}
	return jobs, nil
}

func (r *Runner) extension() string {
	ext := ".nii"
	if r.cfg.Output.Format == config.FormatGIPL {
		ext = ".gipl"
	}
	if r.cfg.Output.Gzip {
		ext += ".gz"
	}
	return ext
}

// execute runs the planned volumes, bounded by the jobs option. Names
// and rule occurrences were all fixed during planning, so scheduling
// order cannot change any output.
func (r *Runner) execute(ctx context.Context, jobs []*job) Totals {
	ex := extract.New(extract.Options{
		TolerateMissing: r.cfg.Extract.TolerateMissing,
		Rescale:         r.cfg.Rescale,
	}, r.rep)

	var mu sync.Mutex
	totals := Totals{Attempted: len(jobs)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Output.Jobs)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			gaps, err := r.processVolume(ex, j)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				totals.Skipped++
				r.rep.Warn(err.Error(), j.ser.AnyPath())
				return nil
			}
			totals.Written++
			if gaps > 0 {
				totals.Gapped++
			}
			return nil
		})
	}
	// Volume failures never propagate; only cancellation does.
	if err := g.Wait(); err != nil {
		r.log.Warn("run cancelled", "err", err)
	}
	return totals
}

// processVolume takes one volume through extraction, geometry and the
// writer. Any returned error skips just this volume.
func (r *Runner) processVolume(ex *extract.Extractor, j *job) (int, error) {
	vol, gaps, err := ex.Extract(j.ser, j.time, j.echo)
	if err != nil {
		return 0, err
	}

	img, err := r.orientVolume(vol, j.ser)
	if err != nil {
		return 0, err
	}

	descrip := r.volumeDescrip(j)

	switch r.cfg.Output.Format {
	case config.FormatGIPL:
		lo, hi := vol.MinMax()
		err = gipl.Write(j.path, vol, gipl.Header{
			VoxDim:  img.PixDim,
			Origin:  [3]float64{img.Offset.X, img.Offset.Y, img.Offset.Z},
			Descrip: descrip,
			Min:     lo,
			Max:     hi,
		})
	default:
		hdr := nifti.Header{PixDim: img.PixDim, Descrip: descrip}
		switch r.cfg.Geometry.Form {
		case config.FormS:
			return 0, fmt.Errorf("%w: s-form output is not implemented", volerr.ErrOrientationForm)
		case config.FormA:
			// quaternion and origin stay zero; qfac is written as
			// its neutral value
			hdr.QFac = 1
		default:
			qfac, qdata, qerr := img.QData()
			if qerr != nil {
				return 0, qerr
			}
			hdr.QFormCode = 1
			hdr.QFac = qfac
			hdr.QData = qdata
		}
		err = nifti.Write(j.path, vol, hdr)
	}
	if err != nil {
		return 0, err
	}

	r.log.Info("written", "file", j.path,
		"series", j.ser.Num, "time", j.time, "echo", j.echo)
	return gaps, nil
}

// orientVolume builds the spatial transform and applies the configured
// spacing choice, flips and reslice.
func (r *Runner) orientVolume(vol *orient.Volume, ser *index.Series) (*orient.Image, error) {
	positions := ser.Positions()
	offset := ser.PosVec(positions[0])

	var delta *r3.Vec
	if len(positions) > 1 {
		d := r3.Sub(ser.PosVec(positions[1]), ser.PosVec(positions[0]))
		delta = &d
	}

	img, err := orient.NewImage(vol, ser.Res, ser.Orients(), offset, delta)
	if err != nil {
		return nil, err
	}

	if r.cfg.Geometry.Spacing == config.SpacingGap {
		img.UseSliceGap()
	}
	if r.cfg.Geometry.FlipH {
		img.FlipH()
	}
	if r.cfg.Geometry.FlipV {
		img.FlipV()
	}
	if r.cfg.Geometry.Reslice {
		if _, err := img.ReOrient(orient.PlaneAxial); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// volumeDescrip finds the free-text header line from any present slice
// of the volume.
func (r *Runner) volumeDescrip(j *job) string {
	for _, pos := range j.ser.Positions() {
		if sl, ok := j.ser.Get(index.Key{Pos: pos, Time: j.time, Echo: j.echo}); ok {
			return sl.Descrip
		}
	}
	return "missing"
}

// indexSeries is the per-volume entry of the index.json sidecar.
type indexSeries struct {
	Study  string `json:"study"`
	Name   string `json:"name"`
	Series string `json:"series"`
	Desc   string `json:"desc"`
	Type   string `json:"type,omitempty"`
	Date   string `json:"date"`
	Time   string `json:"time"`
	Plane  string `json:"plane"`
	Alias  string `json:"alias,omitempty"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Slices int    `json:"slices"`
	Times  int    `json:"times"`
	Echoes int    `json:"echoes"`
	File   string `json:"file"`
}

func seriesPlane(ser *index.Series) string {
	if os := ser.Orients(); len(os) == 1 {
		return os[0].PlaneName(orient.StyleLong)
	}
	return orient.PlaneMixed
}

// writeIndex records what the run produced next to the volumes.
func (r *Runner) writeIndex(idx *index.Index, jobs []*job) error {
	entries := make([]indexSeries, 0, len(jobs))
	for _, j := range jobs {
		entries = append(entries, indexSeries{
			Study:  j.study.ID,
			Name:   j.study.Name,
			Series: j.ser.Num,
			Desc:   j.ser.Desc,
			Type:   j.ser.ImType,
			Date:   j.ser.Date,
			Time:   j.ser.Time,
			Plane:  seriesPlane(j.ser),
			Alias:  j.alias,
			Rows:   j.ser.Rows,
			Cols:   j.ser.Cols,
			Slices: len(j.ser.Positions()),
			Times:  len(j.ser.Times()),
			Echoes: len(j.ser.Echoes()),
			File:   filepath.Base(j.path),
		})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.cfg.Output.Dir, "index.json"), append(data, '\n'), 0644)
}
