// Package pmtile reads v3 tile archives: the fixed header, the
// varint-coded directory tree and individual tile payloads, through a
// fetch.Ranger so archives can live on object storage or disk.
package pmtile

import (
	"encoding/binary"

	"mapserve/internal/errs"
	"mapserve/internal/geo"
)

// HeaderLen is the byte length of the fixed v3 header at archive offset 0.
const HeaderLen = 127

const magic = "PMTiles"

// Compression identifies how directories or tiles are compressed.
type Compression uint8

const (
	CompressionUnknown Compression = 0
	CompressionNone    Compression = 1
	CompressionGzip    Compression = 2
	CompressionBrotli  Compression = 3
	CompressionZstd    Compression = 4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionBrotli:
		return "brotli"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// TileType identifies the stored tile encoding.
type TileType uint8

const (
	TypeUnknown TileType = 0
	TypeMVT     TileType = 1
	TypePNG     TileType = 2
	TypeJPEG    TileType = 3
	TypeWebP    TileType = 4
	TypeAVIF    TileType = 5
)

// MediaType returns the content type served for this tile encoding.
func (t TileType) MediaType() string {
	switch t {
	case TypeMVT:
		return "application/vnd.mapbox-vector-tile"
	case TypePNG:
		return "image/png"
	case TypeJPEG:
		return "image/jpeg"
	case TypeWebP:
		return "image/webp"
	case TypeAVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

// Ext returns the URL extension conventionally used for this encoding.
func (t TileType) Ext() string {
	switch t {
	case TypeMVT:
		return "pbf"
	case TypePNG:
		return "png"
	case TypeJPEG:
		return "jpg"
	case TypeWebP:
		return "webp"
	case TypeAVIF:
		return "avif"
	}
	return "bin"
}

// Header is the decoded fixed-size archive header. Bounds and center stay
// at x1e7 fixed point exactly as stored.
type Header struct {
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafOffset          uint64
	LeafLength          uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTiles      uint64
	TileEntries         uint64
	TileContents        uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// BoundE7 returns the header bounds in fixed point.
func (h *Header) BoundE7() geo.BoundE7 {
	return geo.BoundE7{
		MinLon: h.MinLonE7,
		MinLat: h.MinLatE7,
		MaxLon: h.MaxLonE7,
		MaxLat: h.MaxLatE7,
	}
}

// ParseHeader decodes the 127-byte fixed header.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, errs.New(errs.MalformedInput, "archive header: got %d bytes, want %d", len(b), HeaderLen)
	}
	if string(b[:7]) != magic {
		return h, errs.New(errs.MalformedInput, "archive header: bad magic %q", b[:7])
	}
	if b[7] != 3 {
		return h, errs.New(errs.MalformedInput, "archive header: unsupported spec version %d", b[7])
	}
	le := binary.LittleEndian
	h.RootOffset = le.Uint64(b[8:])
	h.RootLength = le.Uint64(b[16:])
	h.MetadataOffset = le.Uint64(b[24:])
	h.MetadataLength = le.Uint64(b[32:])
	h.LeafOffset = le.Uint64(b[40:])
	h.LeafLength = le.Uint64(b[48:])
	h.TileDataOffset = le.Uint64(b[56:])
	h.TileDataLength = le.Uint64(b[64:])
	h.AddressedTiles = le.Uint64(b[72:])
	h.TileEntries = le.Uint64(b[80:])
	h.TileContents = le.Uint64(b[88:])
	h.Clustered = b[96] == 1
	h.InternalCompression = Compression(b[97])
	h.TileCompression = Compression(b[98])
	h.TileType = TileType(b[99])
	h.MinZoom = b[100]
	h.MaxZoom = b[101]
	h.MinLonE7 = int32(le.Uint32(b[102:]))
	h.MinLatE7 = int32(le.Uint32(b[106:]))
	h.MaxLonE7 = int32(le.Uint32(b[110:]))
	h.MaxLatE7 = int32(le.Uint32(b[114:]))
	h.CenterZoom = b[118]
	h.CenterLonE7 = int32(le.Uint32(b[119:]))
	h.CenterLatE7 = int32(le.Uint32(b[123:]))
	return h, nil
}
