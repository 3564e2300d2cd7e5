package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mapserve/internal/geo"
)

func worldBound() geo.BoundE7 {
	return geo.BoundE7{
		MinLon: geo.ToE7(-180), MinLat: geo.ToE7(-85),
		MaxLon: geo.ToE7(180), MaxLat: geo.ToE7(85),
	}
}

func TestBuildTileJSON(t *testing.T) {
	meta := map[string]interface{}{
		"name":          "osm",
		"description":   "street data",
		"version":       "2",
		"attribution":   "© contributors",
		"vector_layers": []interface{}{map[string]interface{}{"id": "roads"}},
	}
	tj := BuildTileJSON(meta, worldBound(), 10, 20, 5, 0, 14,
		"https://host/osm/{z}/{x}/{y}.pbf", "")

	assert.Equal(t, "2.2.0", tj.TileJSON)
	assert.Equal(t, "xyz", tj.Scheme)
	assert.Equal(t, "osm", tj.Name)
	assert.Equal(t, "street data", tj.Description)
	assert.Equal(t, "© contributors", tj.Attribution)
	assert.Equal(t, [4]float64{-180, -85, 180, 85}, tj.Bounds)
	assert.Equal(t, [3]float64{10, 20, 5}, tj.Center)
	assert.Equal(t, 0, tj.MinZoom)
	assert.Equal(t, 14, tj.MaxZoom)
	assert.Equal(t, []string{"https://host/osm/{z}/{x}/{y}.pbf"}, tj.Tiles)
	assert.NotNil(t, tj.VectorLayers)
}

func TestBuildTileJSONAttributionSuffix(t *testing.T) {
	tj := BuildTileJSON(map[string]interface{}{"attribution": "© base"},
		worldBound(), 0, 0, 0, 0, 5, "u", "| served by mapserve")
	assert.Equal(t, "© base | served by mapserve", tj.Attribution)

	// suffix stands alone when the archive has no attribution
	tj = BuildTileJSON(map[string]interface{}{},
		worldBound(), 0, 0, 0, 0, 5, "u", "| served by mapserve")
	assert.Equal(t, "| served by mapserve", tj.Attribution)
}

func TestStringFieldIgnoresNonStrings(t *testing.T) {
	meta := map[string]interface{}{"name": 42}
	assert.Equal(t, "", stringField(meta, "name"))
	assert.Equal(t, "", stringField(meta, "missing"))
}
