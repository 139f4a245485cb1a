package scanner

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Transfer syntaxes with plainly stored pixel data. Anything else is
// compressed or encapsulated and cannot be read as a raw byte range.
const (
	tsImplicitLE = "1.2.840.10008.1.2"
	tsExplicitLE = "1.2.840.10008.1.2.1"
	tsExplicitBE = "1.2.840.10008.1.2.2"
)

// pixelRange is the byte range of the raw pixel payload inside a file,
// plus the byte order its samples are stored in. Volumes are assembled
// by re-reading these ranges directly rather than keeping decoded pixel
// data for every file in memory.
type pixelRange struct {
	Offset       int64
	Length       int64
	LittleEndian bool
}

// locatePixelData walks a file's data elements and returns the byte
// range of the (7fe0,0010) pixel data element. High-level attribute
// parsing is left to the dicom library; it does not expose element byte
// offsets, so the range is recovered with a second lightweight pass.
func locatePixelData(path string) (pixelRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return pixelRange{}, err
	}
	defer f.Close()

	w := &eleWalker{f: f}
	if err := w.checkPreamble(); err != nil {
		return pixelRange{}, fmt.Errorf("%s: %w", path, err)
	}
	pr, err := w.walk()
	if err != nil {
		return pixelRange{}, fmt.Errorf("%s: %w", path, err)
	}
	return pr, nil
}

// eleWalker steps through data elements front to back without decoding
// values, tracking the byte order and VR encoding declared by the file
// meta group.
type eleWalker struct {
	f   *os.File
	pos int64

	order    binary.ByteOrder
	implicit bool

	// metaEnd is the file offset where the explicit-LE meta group ends
	// and the negotiated transfer syntax takes over.
	metaEnd     int64
	nextOrder   binary.ByteOrder
	nextImplict bool
}

func (w *eleWalker) checkPreamble() error {
	var magic [4]byte
	if _, err := w.f.ReadAt(magic[:], 128); err != nil {
		return fmt.Errorf("reading preamble: %w", err)
	}
	if string(magic[:]) != "DICM" {
		return fmt.Errorf("missing DICM marker")
	}
	w.pos = 132
	w.order = binary.LittleEndian
	w.nextOrder = binary.LittleEndian
	return nil
}

func (w *eleWalker) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := w.f.ReadAt(buf, w.pos); err != nil {
		return nil, err
	}
	w.pos += int64(n)
	return buf, nil
}

// longLengthVRs take a 2-byte reserved field and a 4-byte length in
// explicit encoding; everything else carries a 2-byte length.
var longLengthVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true, "UN": true, "UT": true,
}

func (w *eleWalker) walk() (pixelRange, error) {
	for {
		if w.metaEnd > 0 && w.pos >= w.metaEnd {
			w.order = w.nextOrder
			w.implicit = w.nextImplict
			w.metaEnd = 0
		}

		hdr, err := w.read(4)
		if err == io.EOF {
			return pixelRange{}, fmt.Errorf("no pixel data element")
		}
		if err != nil {
			return pixelRange{}, err
		}
		group := w.order.Uint16(hdr[0:2])
		elem := w.order.Uint16(hdr[2:4])

		// Item and delimiter tags carry a bare 4-byte length; their
		// content is walked flat.
		if group == 0xfffe {
			if _, err := w.read(4); err != nil {
				return pixelRange{}, err
			}
			continue
		}

		var vr string
		var vl uint32
		if w.implicit && group != 0x0002 {
			lb, err := w.read(4)
			if err != nil {
				return pixelRange{}, err
			}
			vl = w.order.Uint32(lb)
		} else {
			vrb, err := w.read(4)
			if err != nil {
				return pixelRange{}, err
			}
			vr = string(vrb[0:2])
			if longLengthVRs[vr] {
				lb, err := w.read(4)
				if err != nil {
					return pixelRange{}, err
				}
				vl = w.order.Uint32(lb)
			} else {
				vl = uint32(w.order.Uint16(vrb[2:4]))
			}
		}

		if group == 0x7fe0 && elem == 0x0010 {
			if vl == 0xFFFFFFFF {
				return pixelRange{}, fmt.Errorf("encapsulated pixel data")
			}
			return pixelRange{
				Offset:       w.pos,
				Length:       int64(vl),
				LittleEndian: w.order == binary.LittleEndian,
			}, nil
		}

		// Undefined-length and sequence elements hold nested elements;
		// walk into them instead of skipping.
		if vl == 0xFFFFFFFF || vr == "SQ" {
			continue
		}

		if group == 0x0002 {
			switch elem {
			case 0x0000: // meta group length
				val, err := w.read(int(vl))
				if err != nil {
					return pixelRange{}, err
				}
				w.metaEnd = w.pos + int64(binary.LittleEndian.Uint32(val))
				continue
			case 0x0010: // transfer syntax
				val, err := w.read(int(vl))
				if err != nil {
					return pixelRange{}, err
				}
				switch ts := trimUID(val); ts {
				case tsImplicitLE:
					w.nextImplict = true
				case tsExplicitLE:
					// defaults hold
				case tsExplicitBE:
					w.nextOrder = binary.BigEndian
				default:
					return pixelRange{}, fmt.Errorf("unhandled transfer syntax %q", ts)
				}
				continue
			}
		}

		w.pos += int64(vl)
	}
}

// trimUID strips the even-length NUL padding from a UID value.
func trimUID(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == 0 || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}
