// Package mosaic resolves tile coordinates across many archive shards
// behind one logical source. A descriptor file names the shards and their
// headers; a per-zoom spatial index routes each tile to the shard that
// fully contains it.
package mosaic

import (
	"encoding/json"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
)

// legacyKeyPrefix is the path-escaping prefix generation-0 descriptors
// carry on every shard key. It is stripped before resolving the key
// against the descriptor's own location.
const legacyKeyPrefix = "../"

// ShardHeader is the descriptor's copy of one shard's archive header.
// Bounds stay at x1e7 fixed point.
type ShardHeader struct {
	TileType        pmtile.TileType    `json:"tile_type"`
	TileCompression pmtile.Compression `json:"tile_compression"`
	MinLonE7        int32              `json:"min_lon_e7"`
	MinLatE7        int32              `json:"min_lat_e7"`
	MaxLonE7        int32              `json:"max_lon_e7"`
	MaxLatE7        int32              `json:"max_lat_e7"`
	MinZoom         uint8              `json:"min_zoom"`
	MaxZoom         uint8              `json:"max_zoom"`
	CenterZoom      uint8              `json:"center_zoom"`
	CenterLonE7     int32              `json:"center_lon_e7"`
	CenterLatE7     int32              `json:"center_lat_e7"`
}

// BoundE7 returns the shard bounds in fixed point.
func (h ShardHeader) BoundE7() geo.BoundE7 {
	return geo.BoundE7{
		MinLon: h.MinLonE7, MinLat: h.MinLatE7,
		MaxLon: h.MaxLonE7, MaxLat: h.MaxLatE7,
	}
}

type sliceRecord struct {
	Header   ShardHeader            `json:"header"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Descriptor is the parsed mosaic description, normalized across
// generations.
type Descriptor struct {
	Generation int
	// Header and Metadata are the logical mosaic record. Generation 0
	// merges them from the slices; generation >=1 descriptors carry them
	// pre-merged.
	Header   ShardHeader
	Metadata map[string]interface{}
	// Slices is keyed by resolved shard locator, in deterministic
	// (sorted-key) order.
	Keys   []string
	Slices map[string]sliceRecord
}

// ParseDescriptor decodes the descriptor fetched from base and resolves
// every shard key to an absolute locator.
func ParseDescriptor(base string, data []byte) (*Descriptor, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errs.New(errs.MalformedInput, "mosaic descriptor %s: %v", base, err)
	}

	if raw, ok := probe["version"]; ok {
		var version int
		if err := json.Unmarshal(raw, &version); err == nil && version >= 1 {
			return parseCurrent(base, data, version)
		}
	}
	return parseLegacy(base, probe)
}

// parseLegacy handles generation 0: a flat map of escaped shard key to
// {header, metadata}. The logical header is merged pointwise and one
// shard's metadata stands in for the whole mosaic. That representative
// metadata is a compatibility shim preserved as-is; schemas may
// legitimately differ across shards.
func parseLegacy(base string, probe map[string]json.RawMessage) (*Descriptor, error) {
	d := &Descriptor{Generation: 0, Slices: map[string]sliceRecord{}}

	keys := make([]string, 0, len(probe))
	for k := range probe {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	first := true
	for _, key := range keys {
		var rec sliceRecord
		if err := json.Unmarshal(probe[key], &rec); err != nil {
			// One broken slice must not take down the shards that parsed.
			log.Warnf("mosaic descriptor %s: skipping slice %q: %v", base, key, err)
			continue
		}
		locator := fetch.ResolveRelative(base, strings.TrimPrefix(key, legacyKeyPrefix))
		d.Keys = append(d.Keys, locator)
		d.Slices[locator] = rec
		if first {
			d.Header = rec.Header
			d.Metadata = rec.Metadata
			first = false
		} else {
			d.Header = mergeHeaders(d.Header, rec.Header)
		}
	}
	if len(d.Keys) == 0 {
		return nil, errs.New(errs.MalformedInput, "mosaic descriptor %s: no slices", base)
	}
	// Center the merged record on the merged bounds.
	d.Header.CenterLonE7 = (d.Header.MinLonE7 + d.Header.MaxLonE7) / 2
	d.Header.CenterLatE7 = (d.Header.MinLatE7 + d.Header.MaxLatE7) / 2
	d.Header.CenterZoom = d.Header.MaxZoom
	return d, nil
}

type currentDescriptor struct {
	Version  int                    `json:"version"`
	Header   ShardHeader            `json:"header"`
	Metadata map[string]interface{} `json:"metadata"`
	Slices   map[string]sliceRecord `json:"slices"`
}

// parseCurrent handles generation >=1: pre-merged header and metadata plus
// a slices map whose keys resolve relative to the descriptor location.
func parseCurrent(base string, data []byte, version int) (*Descriptor, error) {
	var cur currentDescriptor
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, errs.New(errs.MalformedInput, "mosaic descriptor %s: %v", base, err)
	}
	if len(cur.Slices) == 0 {
		return nil, errs.New(errs.MalformedInput, "mosaic descriptor %s: no slices", base)
	}
	d := &Descriptor{
		Generation: version,
		Header:     cur.Header,
		Metadata:   cur.Metadata,
		Slices:     map[string]sliceRecord{},
	}
	keys := make([]string, 0, len(cur.Slices))
	for k := range cur.Slices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		locator := fetch.ResolveRelative(base, key)
		d.Keys = append(d.Keys, locator)
		d.Slices[locator] = cur.Slices[key]
	}
	return d, nil
}

// mergeHeaders widens a to cover b: componentwise min/max over bounds and
// zoom range. Tile type and compression keep a's values; shards of one
// mosaic share them.
func mergeHeaders(a, b ShardHeader) ShardHeader {
	if b.MinLonE7 < a.MinLonE7 {
		a.MinLonE7 = b.MinLonE7
	}
	if b.MinLatE7 < a.MinLatE7 {
		a.MinLatE7 = b.MinLatE7
	}
	if b.MaxLonE7 > a.MaxLonE7 {
		a.MaxLonE7 = b.MaxLonE7
	}
	if b.MaxLatE7 > a.MaxLatE7 {
		a.MaxLatE7 = b.MaxLatE7
	}
	if b.MinZoom < a.MinZoom {
		a.MinZoom = b.MinZoom
	}
	if b.MaxZoom > a.MaxZoom {
		a.MaxZoom = b.MaxZoom
	}
	return a
}
