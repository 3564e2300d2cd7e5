// Package archive resolves tile coordinates against one self-contained
// tile archive and normalizes its metadata. Remote archives are read
// through ranged fetches; local MBTiles archives go through sqlite.
package archive

import (
	"context"

	"mapserve/internal/geo"
)

// TileData is one resolved tile. Encoding is set when the stored bytes are
// already compressed and should be relayed with a Content-Encoding header.
type TileData struct {
	Data      []byte
	MediaType string
	Encoding  string
}

// Source is anything the registry can serve tiles from: a single archive,
// or a mosaic of them.
type Source interface {
	// Tile resolves a coordinate. A NotFound error is the normal negative
	// result for uncovered coordinates.
	Tile(ctx context.Context, z uint8, x, y uint32) (TileData, error)
	// TileJSON returns the normalized metadata document. tileURL is the
	// templated tile endpoint for this source.
	TileJSON(ctx context.Context, tileURL string) (*TileJSON, error)
	// Ext is the tile URL extension this source serves.
	Ext(ctx context.Context) (string, error)
}

// TileJSON is the normalized metadata record served at /tiles.json.
type TileJSON struct {
	TileJSON     string      `json:"tilejson"`
	Scheme       string      `json:"scheme"`
	Name         string      `json:"name,omitempty"`
	Description  string      `json:"description,omitempty"`
	Version      string      `json:"version,omitempty"`
	Attribution  string      `json:"attribution,omitempty"`
	VectorLayers interface{} `json:"vector_layers,omitempty"`
	Bounds       [4]float64  `json:"bounds"`
	Center       [3]float64  `json:"center"`
	MinZoom      int         `json:"minzoom"`
	MaxZoom      int         `json:"maxzoom"`
	Tiles        []string    `json:"tiles"`
}

// BuildTileJSON assembles the normalized record from a merged fixed-point
// bound, a center point and the archive's descriptive metadata map.
// attributionSuffix, when non-empty, is appended to the attribution line.
func BuildTileJSON(meta map[string]interface{}, bound geo.BoundE7, centerLon, centerLat float64, centerZoom, minZoom, maxZoom int, tileURL, attributionSuffix string) *TileJSON {
	tj := &TileJSON{
		TileJSON: "2.2.0",
		Scheme:   "xyz",
		Bounds: [4]float64{
			geo.FromE7(bound.MinLon), geo.FromE7(bound.MinLat),
			geo.FromE7(bound.MaxLon), geo.FromE7(bound.MaxLat),
		},
		Center:  [3]float64{centerLon, centerLat, float64(centerZoom)},
		MinZoom: minZoom,
		MaxZoom: maxZoom,
		Tiles:   []string{tileURL},
	}
	tj.Name = stringField(meta, "name")
	tj.Description = stringField(meta, "description")
	tj.Version = stringField(meta, "version")
	tj.Attribution = stringField(meta, "attribution")
	if attributionSuffix != "" {
		if tj.Attribution != "" {
			tj.Attribution += " "
		}
		tj.Attribution += attributionSuffix
	}
	if vl, ok := meta["vector_layers"]; ok {
		tj.VectorLayers = vl
	}
	return tj
}

func stringField(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
