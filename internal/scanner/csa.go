package scanner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"volconv/internal/volerr"
)

// csaItem is one value slot inside a CSA field. The four-integer
// sub-header precedes the value bytes; the first integer flags whether
// the slot is populated and the second is the value length.
type csaItem struct {
	subhdr [4]int32
	val    string
}

// csaField is one named field of a CSA2 record.
type csaField struct {
	vm      int32
	vr      string
	syngodt int32
	items   []csaItem
}

// csaHeader holds the decoded fields of one Siemens CSA2 private
// header, as found in tags (0029,1010) and (0029,1020). The format is
// a little-endian packed record stream starting with the magic "SV10".
type csaHeader map[string]csaField

// Values returns the populated string values of a field, or nil when
// the field is absent. Slots whose sub-header marks them empty are
// skipped.
func (h csaHeader) Values(key string) []string {
	f, ok := h[key]
	if !ok {
		return nil
	}
	var out []string
	for _, it := range f.items {
		if it.subhdr[0] > 0 {
			out = append(out, it.val)
		}
	}
	return out
}

// First returns the first populated value of a field, or "".
func (h csaHeader) First(key string) string {
	v := h.Values(key)
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// parseCSA2 decodes a CSA2 binary blob. A blob without the SV10 magic
// decodes to an empty header, since older single-vendor exports carry
// the unversioned CSA1 layout in the same tags.
func parseCSA2(data []byte) (csaHeader, error) {
	csa := csaHeader{}

	r := &csaReader{buf: data}
	if magic := r.bytes(4); !bytes.Equal(magic, []byte("SV10")) {
		return csa, nil
	}
	r.bytes(4) // unused

	n := r.uint32()
	r.bytes(4) // unused, usually 77

	for i := uint32(0); i < n && r.err == nil; i++ {
		rawName := r.bytes(64)
		name := string(rawName)
		if idx := strings.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}

		f := csaField{
			vm:      r.int32(),
			vr:      strings.TrimRight(string(r.bytes(4)), "\x00"),
			syngodt: r.int32(),
		}
		ni := r.int32()
		r.int32() // unused, usually 77

		if ni < 0 || int(ni) > len(r.buf) {
			return nil, fmt.Errorf("csa field %q: implausible item count %d", name, ni)
		}
		f.items = make([]csaItem, ni)
		for j := range f.items {
			var sub [4]int32
			for k := range sub {
				sub[k] = r.int32()
			}
			sublen := sub[1]
			if sublen < 0 || int(sublen) > len(r.buf) {
				return nil, fmt.Errorf("csa field %q: item %d length %d out of range", name, j, sublen)
			}
			val := r.bytes(int(sublen))
			if idx := bytes.IndexByte(val, 0); idx >= 0 {
				val = val[:idx]
			}
			f.items[j] = csaItem{
				subhdr: sub,
				val:    strings.TrimRight(string(val), " "),
			}
			// Values are padded out to four-byte multiples.
			r.bytes(int((4 - sublen%4) % 4))
		}
		csa[name] = f
	}

	if r.err != nil {
		return nil, fmt.Errorf("truncated csa record: %w", r.err)
	}
	return csa, nil
}

// csaReader consumes a CSA blob front to back, latching the first
// out-of-data error so the caller checks once at the end.
type csaReader struct {
	buf []byte
	err error
}

func (r *csaReader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if n > len(r.buf) {
		r.err = volerr.ErrShortRead
		return make([]byte, n)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *csaReader) uint32() uint32 {
	return binary.LittleEndian.Uint32(r.bytes(4))
}

func (r *csaReader) int32() int32 {
	return int32(r.uint32())
}
