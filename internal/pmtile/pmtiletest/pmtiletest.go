// Package pmtiletest builds tiny archives in memory so reader, mosaic and
// handler tests can run against real bytes instead of mocks.
package pmtiletest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"

	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
)

// Spec describes the archive to build. Tiles maps hilbert tile ids to raw
// payloads; use pmtile.TileID to address them by z/x/y.
type Spec struct {
	TileType        pmtile.TileType
	TileCompression pmtile.Compression
	MinZoom         uint8
	MaxZoom         uint8
	Bound           geo.BoundE7
	Metadata        map[string]interface{}
	Tiles           map[uint64][]byte
}

// Build serializes a valid v3 archive with a single gzip-compressed root
// directory and no leaf section.
func Build(t testing.TB, s Spec) []byte {
	t.Helper()

	if s.TileType == pmtile.TypeUnknown {
		s.TileType = pmtile.TypeMVT
	}
	if s.TileCompression == pmtile.CompressionUnknown {
		s.TileCompression = pmtile.CompressionNone
	}
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{"name": "fixture"}
	}

	ids := make([]uint64, 0, len(s.Tiles))
	for id := range s.Tiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var tileData bytes.Buffer
	entries := make([]pmtile.Entry, 0, len(ids))
	for _, id := range ids {
		payload := s.Tiles[id]
		entries = append(entries, pmtile.Entry{
			TileID:    id,
			Offset:    uint64(tileData.Len()),
			Length:    uint32(len(payload)),
			RunLength: 1,
		})
		tileData.Write(payload)
	}

	root := gzipBytes(t, EncodeDirectory(entries))
	metaRaw, err := json.Marshal(s.Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	meta := gzipBytes(t, metaRaw)

	rootOff := uint64(pmtile.HeaderLen)
	metaOff := rootOff + uint64(len(root))
	leafOff := metaOff + uint64(len(meta))
	dataOff := leafOff

	h := make([]byte, pmtile.HeaderLen)
	copy(h, "PMTiles")
	h[7] = 3
	le := binary.LittleEndian
	le.PutUint64(h[8:], rootOff)
	le.PutUint64(h[16:], uint64(len(root)))
	le.PutUint64(h[24:], metaOff)
	le.PutUint64(h[32:], uint64(len(meta)))
	le.PutUint64(h[40:], leafOff)
	le.PutUint64(h[48:], 0)
	le.PutUint64(h[56:], dataOff)
	le.PutUint64(h[64:], uint64(tileData.Len()))
	le.PutUint64(h[72:], uint64(len(ids)))
	le.PutUint64(h[80:], uint64(len(entries)))
	le.PutUint64(h[88:], uint64(len(ids)))
	h[96] = 1 // clustered
	h[97] = byte(pmtile.CompressionGzip)
	h[98] = byte(s.TileCompression)
	h[99] = byte(s.TileType)
	h[100] = s.MinZoom
	h[101] = s.MaxZoom
	le.PutUint32(h[102:], uint32(s.Bound.MinLon))
	le.PutUint32(h[106:], uint32(s.Bound.MinLat))
	le.PutUint32(h[110:], uint32(s.Bound.MaxLon))
	le.PutUint32(h[114:], uint32(s.Bound.MaxLat))
	h[118] = s.MaxZoom
	le.PutUint32(h[119:], uint32((s.Bound.MinLon+s.Bound.MaxLon)/2))
	le.PutUint32(h[123:], uint32((s.Bound.MinLat+s.Bound.MaxLat)/2))

	var out bytes.Buffer
	out.Write(h)
	out.Write(root)
	out.Write(meta)
	out.Write(tileData.Bytes())
	return out.Bytes()
}

// EncodeDirectory is the inverse of pmtile.ParseDirectory.
func EncodeDirectory(entries []pmtile.Entry) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf.Write(tmp[:n])
	}
	put(uint64(len(entries)))
	var last uint64
	for _, e := range entries {
		put(e.TileID - last)
		last = e.TileID
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}
	return buf.Bytes()
}

func gzipBytes(t testing.TB, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
