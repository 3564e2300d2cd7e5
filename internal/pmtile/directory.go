package pmtile

import (
	"bytes"
	"encoding/binary"

	"mapserve/internal/errs"
)

// Entry is one directory record. RunLength 0 marks a pointer into the leaf
// directory section instead of tile data.
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// TileID converts a z/x/y address to the archive's hilbert tile id.
func TileID(z uint8, x, y uint32) uint64 {
	// All levels above z are fully addressed before z starts.
	var acc uint64
	for t := uint8(0); t < z; t++ {
		acc += 1 << (2 * t)
	}
	n := uint64(1) << z
	tx, ty := uint64(x), uint64(y)
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		if ry == 0 {
			if rx == 1 {
				tx = s - 1 - tx
				ty = s - 1 - ty
			}
			tx, ty = ty, tx
		}
	}
	return acc + d
}

// ParseDirectory decodes an uncompressed directory payload.
func ParseDirectory(b []byte) ([]Entry, error) {
	buf := bytes.NewBuffer(b)
	n, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, errs.New(errs.MalformedInput, "directory: bad entry count: %v", err)
	}
	entries := make([]Entry, n)
	var last uint64
	for i := range entries {
		v, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errs.New(errs.MalformedInput, "directory: bad tile id delta: %v", err)
		}
		last += v
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errs.New(errs.MalformedInput, "directory: bad run length: %v", err)
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errs.New(errs.MalformedInput, "directory: bad length: %v", err)
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errs.New(errs.MalformedInput, "directory: bad offset: %v", err)
		}
		if v == 0 && i > 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	return entries, nil
}

// FindEntry locates the entry covering id, if any. Entries are sorted by
// tile id; runs cover [TileID, TileID+RunLength) and leaf pointers cover
// everything up to the next entry.
func FindEntry(entries []Entry, id uint64) (Entry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case id > entries[mid].TileID:
			lo = mid + 1
		case id < entries[mid].TileID:
			hi = mid - 1
		default:
			return entries[mid], true
		}
	}
	if hi >= 0 {
		e := entries[hi]
		if e.RunLength == 0 {
			return e, true
		}
		if id-e.TileID < uint64(e.RunLength) {
			return e, true
		}
	}
	return Entry{}, false
}
