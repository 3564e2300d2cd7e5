// Package cogtiff reads cloud-optimized GeoTIFF files: the IFD chain is
// walked once per file, internal image planes are classified as color or
// mask, and individual tile fragments are fetched and decoded on demand.
package cogtiff

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
)

const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagSamplesPerPixel = 277
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagJPEGTables      = 347
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagModelTransform  = 34264
)

// subfileMaskBit marks a transparency mask plane in NewSubfileType.
const subfileMaskBit = 0x4

// headPrefetch is how much of the file head is fetched up front. COG
// layout keeps the whole IFD chain inside this region.
const headPrefetch = 128 * 1024

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	// inline value bytes, or the absolute offset of the out-of-line value
	inline []byte
	off    uint64
}

// prefixReader serves small reads out of a prefetched head buffer and
// falls back to ranged fetches for everything past it.
type prefixReader struct {
	src  fetch.Ranger
	head []byte
}

func (r *prefixReader) read(ctx context.Context, off, n int64) ([]byte, error) {
	if off >= 0 && off+n <= int64(len(r.head)) {
		return r.head[off : off+n], nil
	}
	return r.src.ReadRange(ctx, off, n)
}

// File is one parsed COG. Plane classification happens once at open time
// and stays cached for the file's lifetime in the handle cache.
type File struct {
	src     *prefixReader
	order   binary.ByteOrder
	bigtiff bool

	// Color holds non-mask planes sorted fine to coarse; Mask the
	// transparency planes in the same order.
	Color []*Plane
	Mask  []*Plane

	gt GeoTransform
}

// Close releases the underlying ranger.
func (f *File) Close() error { return f.src.src.Close() }

// GeoTransform returns the file-level transform (projected meters).
func (f *File) GeoTransform() GeoTransform { return f.gt }

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11, 13: // LONG, SLONG, FLOAT, IFD
		return 4
	case 5, 10, 12, 16, 17, 18: // RATIONAL, SRATIONAL, DOUBLE, LONG8, SLONG8, IFD8
		return 8
	}
	return 0
}

// Open fetches the file head, walks the IFD chain and classifies planes.
func Open(ctx context.Context, src fetch.Ranger) (*File, error) {
	head, err := src.ReadRange(ctx, 0, headPrefetch)
	if err != nil {
		return nil, err
	}
	if len(head) < 16 {
		return nil, errs.New(errs.MalformedInput, "tiff: truncated header")
	}

	f := &File{src: &prefixReader{src: src, head: head}}
	switch string(head[:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
	default:
		return nil, errs.New(errs.MalformedInput, "tiff: bad byte order mark %q", head[:2])
	}

	var next uint64
	switch f.order.Uint16(head[2:4]) {
	case 42:
		next = uint64(f.order.Uint32(head[4:8]))
	case 43:
		if f.order.Uint16(head[4:6]) != 8 {
			return nil, errs.New(errs.MalformedInput, "tiff: bad bigtiff offset size")
		}
		f.bigtiff = true
		next = f.order.Uint64(head[8:16])
	default:
		return nil, errs.New(errs.MalformedInput, "tiff: bad magic")
	}

	for next != 0 {
		entries, follow, err := f.readIFD(ctx, next)
		if err != nil {
			return nil, err
		}
		p, err := f.buildPlane(ctx, entries)
		if err != nil {
			return nil, err
		}
		if p.Mask() {
			f.Mask = append(f.Mask, p)
		} else {
			f.Color = append(f.Color, p)
		}
		next = follow
	}
	if len(f.Color) == 0 {
		return nil, errs.New(errs.MalformedInput, "tiff: no color planes")
	}
	// Fine to coarse; writers normally emit this order but it is not
	// guaranteed.
	sort.Slice(f.Color, func(i, j int) bool { return f.Color[i].Width > f.Color[j].Width })
	sort.Slice(f.Mask, func(i, j int) bool { return f.Mask[i].Width > f.Mask[j].Width })
	if err := f.deriveGeoTransform(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) readIFD(ctx context.Context, off uint64) ([]ifdEntry, uint64, error) {
	var entryLen, countLen, nextLen int
	if f.bigtiff {
		entryLen, countLen, nextLen = 20, 8, 8
	} else {
		entryLen, countLen, nextLen = 12, 2, 4
	}

	cb, err := f.src.read(ctx, int64(off), int64(countLen))
	if err != nil {
		return nil, 0, err
	}
	var n uint64
	if f.bigtiff {
		n = f.order.Uint64(cb)
	} else {
		n = uint64(f.order.Uint16(cb))
	}
	if n == 0 || n > 4096 {
		return nil, 0, errs.New(errs.MalformedInput, "tiff: implausible IFD entry count %d", n)
	}

	body, err := f.src.read(ctx, int64(off)+int64(countLen), int64(n)*int64(entryLen)+int64(nextLen))
	if err != nil {
		return nil, 0, err
	}
	if len(body) < int(n)*entryLen+nextLen {
		return nil, 0, errs.New(errs.MalformedInput, "tiff: truncated IFD")
	}

	entries := make([]ifdEntry, 0, n)
	for i := 0; i < int(n); i++ {
		rec := body[i*entryLen : (i+1)*entryLen]
		e := ifdEntry{
			tag: f.order.Uint16(rec[0:2]),
			typ: f.order.Uint16(rec[2:4]),
		}
		var valueField []byte
		if f.bigtiff {
			e.count = f.order.Uint64(rec[4:12])
			valueField = rec[12:20]
		} else {
			e.count = uint64(f.order.Uint32(rec[4:8]))
			valueField = rec[8:12]
		}
		size := typeSize(e.typ)
		if size == 0 {
			continue // unknown field type, skip
		}
		total := uint64(size) * e.count
		if total <= uint64(len(valueField)) {
			e.inline = valueField[:total]
		} else if f.bigtiff {
			e.off = f.order.Uint64(valueField)
		} else {
			e.off = uint64(f.order.Uint32(valueField))
		}
		entries = append(entries, e)
	}

	var follow uint64
	tail := body[int(n)*entryLen:]
	if f.bigtiff {
		follow = f.order.Uint64(tail[:8])
	} else {
		follow = uint64(f.order.Uint32(tail[:4]))
	}
	return entries, follow, nil
}

func (f *File) entryData(ctx context.Context, e ifdEntry) ([]byte, error) {
	if e.inline != nil {
		return e.inline, nil
	}
	total := int64(typeSize(e.typ)) * int64(e.count)
	return f.src.read(ctx, int64(e.off), total)
}

func (f *File) entryUints(ctx context.Context, e ifdEntry) ([]uint64, error) {
	data, err := f.entryData(ctx, e)
	if err != nil {
		return nil, err
	}
	size := typeSize(e.typ)
	if len(data) < size*int(e.count) {
		return nil, errs.New(errs.MalformedInput, "tiff: short value for tag %d", e.tag)
	}
	out := make([]uint64, e.count)
	for i := range out {
		v := data[i*size : (i+1)*size]
		switch size {
		case 1:
			out[i] = uint64(v[0])
		case 2:
			out[i] = uint64(f.order.Uint16(v))
		case 4:
			out[i] = uint64(f.order.Uint32(v))
		case 8:
			out[i] = f.order.Uint64(v)
		}
	}
	return out, nil
}

func (f *File) entryFloats(ctx context.Context, e ifdEntry) ([]float64, error) {
	if e.typ != 12 {
		return nil, errs.New(errs.MalformedInput, "tiff: tag %d: expected DOUBLE, got type %d", e.tag, e.typ)
	}
	data, err := f.entryData(ctx, e)
	if err != nil {
		return nil, err
	}
	if len(data) < 8*int(e.count) {
		return nil, errs.New(errs.MalformedInput, "tiff: short value for tag %d", e.tag)
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(f.order.Uint64(data[i*8 : (i+1)*8]))
	}
	return out, nil
}
