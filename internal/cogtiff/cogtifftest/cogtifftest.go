// Package cogtifftest writes small classic little-endian tiled TIFFs in
// memory for reader and compositor tests.
package cogtifftest

import (
	"encoding/binary"
	"math"
	"testing"
)

// Plane describes one IFD of the synthetic file.
type Plane struct {
	Subfile      uint32
	Width        uint32
	Height       uint32
	TileW, TileH uint32
	Bits         uint16
	Spp          uint16
	Tiles        [][]byte // row-major grid, nil means sparse
	PixelScale   []float64
	Tiepoint     []float64
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	ints  []uint32
	dbls  []float64
}

func (e entry) payloadSize() int {
	if e.typ == 12 {
		return 8 * int(e.count)
	}
	if e.typ == 3 {
		return 2 * int(e.count)
	}
	return 4 * int(e.count)
}

// Build serializes the planes as uncompressed tiled IFDs.
func Build(t testing.TB, planes []Plane) []byte {
	t.Helper()
	le := binary.LittleEndian

	entriesFor := func(p Plane) []entry {
		n := uint32(len(p.Tiles))
		tileOffs := make([]uint32, n) // patched once the layout is known
		tileCounts := make([]uint32, n)
		for i, d := range p.Tiles {
			tileCounts[i] = uint32(len(d))
		}
		es := []entry{
			{tag: 254, typ: 4, count: 1, ints: []uint32{p.Subfile}},
			{tag: 256, typ: 4, count: 1, ints: []uint32{p.Width}},
			{tag: 257, typ: 4, count: 1, ints: []uint32{p.Height}},
			{tag: 258, typ: 3, count: uint32(p.Spp), ints: repeat(uint32(p.Bits), int(p.Spp))},
			{tag: 259, typ: 3, count: 1, ints: []uint32{1}},
			{tag: 262, typ: 3, count: 1, ints: []uint32{1}},
			{tag: 277, typ: 3, count: 1, ints: []uint32{uint32(p.Spp)}},
			{tag: 322, typ: 4, count: 1, ints: []uint32{p.TileW}},
			{tag: 323, typ: 4, count: 1, ints: []uint32{p.TileH}},
			{tag: 324, typ: 4, count: n, ints: tileOffs},
			{tag: 325, typ: 4, count: n, ints: tileCounts},
		}
		if len(p.PixelScale) > 0 {
			es = append(es, entry{tag: 33550, typ: 12, count: uint32(len(p.PixelScale)), dbls: p.PixelScale})
		}
		if len(p.Tiepoint) > 0 {
			es = append(es, entry{tag: 33922, typ: 12, count: uint32(len(p.Tiepoint)), dbls: p.Tiepoint})
		}
		return es
	}

	planeEntries := make([][]entry, len(planes))
	for i, p := range planes {
		planeEntries[i] = entriesFor(p)
	}

	// layout: header | IFDs | out-of-line values | tile data
	off := uint32(8)
	ifdOff := make([]uint32, len(planes))
	for i, es := range planeEntries {
		ifdOff[i] = off
		off += 2 + uint32(len(es))*12 + 4
	}
	extraOff := off
	for _, es := range planeEntries {
		for _, e := range es {
			if e.payloadSize() > 4 {
				off += uint32(e.payloadSize())
			}
		}
	}
	dataOff := off
	for i, p := range planes {
		var offsEntry *entry
		for j := range planeEntries[i] {
			if planeEntries[i][j].tag == 324 {
				offsEntry = &planeEntries[i][j]
			}
		}
		for j, d := range p.Tiles {
			if len(d) == 0 {
				offsEntry.ints[j] = 0
				continue
			}
			offsEntry.ints[j] = dataOff
			dataOff += uint32(len(d))
		}
	}

	buf := make([]byte, dataOff)
	copy(buf, "II")
	le.PutUint16(buf[2:], 42)
	le.PutUint32(buf[4:], ifdOff[0])

	extra := extraOff
	writeValue := func(e entry, dst []byte) {
		switch e.typ {
		case 3:
			for k, v := range e.ints {
				le.PutUint16(dst[k*2:], uint16(v))
			}
		case 4:
			for k, v := range e.ints {
				le.PutUint32(dst[k*4:], v)
			}
		case 12:
			for k, v := range e.dbls {
				le.PutUint64(dst[k*8:], math.Float64bits(v))
			}
		}
	}
	for i, es := range planeEntries {
		p := ifdOff[i]
		le.PutUint16(buf[p:], uint16(len(es)))
		p += 2
		for _, e := range es {
			le.PutUint16(buf[p:], e.tag)
			le.PutUint16(buf[p+2:], e.typ)
			le.PutUint32(buf[p+4:], e.count)
			if e.payloadSize() <= 4 {
				writeValue(e, buf[p+8:p+12])
			} else {
				le.PutUint32(buf[p+8:], extra)
				writeValue(e, buf[extra:extra+uint32(e.payloadSize())])
				extra += uint32(e.payloadSize())
			}
			p += 12
		}
		if i+1 < len(planeEntries) {
			le.PutUint32(buf[p:], ifdOff[i+1])
		} else {
			le.PutUint32(buf[p:], 0)
		}
	}
	for i, pl := range planes {
		var offs []uint32
		for _, e := range planeEntries[i] {
			if e.tag == 324 {
				offs = e.ints
			}
		}
		for j, d := range pl.Tiles {
			copy(buf[offs[j]:], d)
		}
	}
	return buf
}

// Fill returns n copies of v.
func Fill(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func repeat(v uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
