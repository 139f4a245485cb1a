// Package extract assembles ordered 3D pixel buffers from indexed
// slices. Pixel data is re-read from the source files by byte range at
// assembly time, so only one volume's samples are ever held in memory.
package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"volconv/internal/index"
	"volconv/internal/report"
	"volconv/internal/volerr"
	"volconv/pkg/config"
	"volconv/pkg/orient"
)

// WarnZeroFilled is reported once per volume with missing planes when
// missing-slice tolerance is on.
const WarnZeroFilled = "missing slices zero-filled"

// Options control missing-slice policy and value rescaling.
type Options struct {
	// TolerateMissing zero-fills absent planes instead of failing the
	// volume.
	TolerateMissing bool

	// Rescale selects how the slope/intercept pair is applied.
	Rescale config.RescaleMode
}

// Extractor reads pixel data for one volume at a time.
type Extractor struct {
	opts Options
	rep  *report.Collector
}

func New(opts Options, rep *report.Collector) *Extractor {
	return &Extractor{opts: opts, rep: rep}
}

// Extract assembles the volume for one (series, timepoint, echo).
// Slices are stacked in ascending numeric position order. The returned
// gap count is the number of zero-filled planes; it is only ever
// non-zero when missing-slice tolerance is enabled.
func (e *Extractor) Extract(s *index.Series, time string, echo int) (*orient.Volume, int, error) {
	positions := s.Positions()
	if len(positions) == 0 {
		return nil, 0, fmt.Errorf("%w: series %s has no slices", volerr.ErrMissingSlice, s.Num)
	}

	vol := orient.NewVolume(s.Cols, s.Rows, len(positions))
	vol.Integer = true
	vol.Bits = s.Bits
	vol.Signed = s.Signed

	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	open := func(path string) (*os.File, error) {
		if f, ok := files[path]; ok {
			return f, nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		files[path] = f
		return f, nil
	}

	gaps := 0
	for zi, pos := range positions {
		sl, ok := s.Get(index.Key{Pos: pos, Time: time, Echo: echo})
		if !ok {
			if !e.opts.TolerateMissing {
				return nil, 0, fmt.Errorf("%w: series %s position %g time %s echo %d",
					volerr.ErrMissingSlice, s.Num, pos, time, echo)
			}
			gaps++
			continue
		}

		f, err := open(sl.Loc.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("opening %s: %w", sl.Loc.Path, err)
		}
		if err := e.readPlane(vol, zi, s, sl, f); err != nil {
			// Short reads follow the missing-slice policy; geometry
			// mismatches are always fatal to the volume.
			if e.opts.TolerateMissing && errors.Is(err, volerr.ErrShortRead) {
				gaps++
				continue
			}
			return nil, 0, err
		}
	}

	if gaps > 0 {
		e.rep.Warn(WarnZeroFilled, s.AnyPath())
	}
	return vol, gaps, nil
}

// readPlane reads one slice's samples into plane zi of the volume,
// applying the rescale pair.
func (e *Extractor) readPlane(vol *orient.Volume, zi int, s *index.Series, sl *index.Slice, f *os.File) error {
	bps := s.Bits / 8
	if bps != 1 && bps != 2 {
		return fmt.Errorf("unsupported sample size %d bits in %s", s.Bits, sl.Loc.Path)
	}

	var raw []byte
	if sl.Mosaic != nil {
		buf, err := readMosaicTile(f, s, sl, bps)
		if err != nil {
			return err
		}
		raw = buf
	} else {
		need := int64(s.Rows) * int64(s.Cols) * int64(bps)
		if sl.Loc.Length < need {
			return fmt.Errorf("%w: %s has %d pixel bytes, need %d",
				volerr.ErrShortRead, sl.Loc.Path, sl.Loc.Length, need)
		}
		raw = make([]byte, need)
		if _, err := f.ReadAt(raw, sl.Loc.Offset); err != nil {
			return fmt.Errorf("%w: %s: %v", volerr.ErrShortRead, sl.Loc.Path, err)
		}
	}

	// Identity rescale keeps raw integer values regardless of mode.
	identity := e.opts.Rescale == config.RescaleNone ||
		(sl.Intercept == 0 && sl.Slope == 1)
	if !identity && e.opts.Rescale == config.RescaleFloat {
		vol.Integer = false
	}

	order := byteOrder(sl.Loc.LittleEndian)
	n := s.Rows * s.Cols
	base := zi * n
	for idx := 0; idx < n; idx++ {
		v := sample(raw, idx, bps, order, s.Signed)
		if !identity {
			v = v*sl.Slope + sl.Intercept
			if e.opts.Rescale == config.RescaleInteger {
				v = math.Round(v)
			}
		}
		vol.Data[base+idx] = v
	}
	return nil
}

// readMosaicTile reads this slice's tile out of the decoded mosaic
// plane. The grid arithmetic must be exact: a plane that does not
// divide evenly into the declared grid means the tile positions cannot
// be trusted.
func readMosaicTile(f *os.File, s *index.Series, sl *index.Slice, bps int) ([]byte, error) {
	m := sl.Mosaic
	if m.GridRows*s.Rows != m.PlaneRows || m.GridCols*s.Cols != m.PlaneCols {
		return nil, fmt.Errorf("%w: %s plane %dx%d does not divide into %dx%d grid of %dx%d tiles",
			volerr.ErrMosaicGeometry, sl.Loc.Path,
			m.PlaneRows, m.PlaneCols, m.GridRows, m.GridCols, s.Rows, s.Cols)
	}

	need := int64(m.PlaneRows) * int64(m.PlaneCols) * int64(bps)
	if sl.Loc.Length < need {
		return nil, fmt.Errorf("%w: %s has %d pixel bytes, mosaic needs %d",
			volerr.ErrShortRead, sl.Loc.Path, sl.Loc.Length, need)
	}

	rowStride := int64(m.PlaneCols) * int64(bps)
	tileRow := int64(m.Row * s.Rows)
	tileCol := int64(m.Col*s.Cols) * int64(bps)
	width := s.Cols * bps

	buf := make([]byte, s.Rows*width)
	for r := 0; r < s.Rows; r++ {
		off := sl.Loc.Offset + (tileRow+int64(r))*rowStride + tileCol
		if _, err := f.ReadAt(buf[r*width:(r+1)*width], off); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", volerr.ErrShortRead, sl.Loc.Path, err)
		}
	}
	return buf, nil
}

func byteOrder(little bool) binary.ByteOrder {
	if little {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func sample(raw []byte, idx, bps int, order binary.ByteOrder, signed bool) float64 {
	if bps == 1 {
		if signed {
			return float64(int8(raw[idx]))
		}
		return float64(raw[idx])
	}
	u := order.Uint16(raw[idx*2:])
	if signed {
		return float64(int16(u))
	}
	return float64(u)
}
