package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapserve/internal/catalog"
	"mapserve/internal/fetch"
	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
	"mapserve/internal/pmtile/pmtiletest"
	"mapserve/internal/raster"
)

// newTestServer wires a registry with one pmtiles source over a routes
// file in dir, plus a raster compositor restricted to dir.
func newTestServer(t *testing.T) (*server, string) {
	t.Helper()
	dir := t.TempDir()

	archivePath := filepath.Join(dir, "basemap.pmtiles")
	raw := pmtiletest.Build(t, pmtiletest.Spec{
		TileType:        pmtile.TypeMVT,
		TileCompression: pmtile.CompressionGzip,
		MinZoom:         0,
		MaxZoom:         2,
		Bound: geo.BoundE7{
			MinLon: geo.ToE7(-20), MinLat: geo.ToE7(-20),
			MaxLon: geo.ToE7(20), MaxLat: geo.ToE7(20),
		},
		Metadata: map[string]interface{}{"name": "basemap"},
		Tiles: map[uint64][]byte{
			pmtile.TileID(0, 0, 0): []byte("root tile"),
		},
	})
	require.NoError(t, os.WriteFile(archivePath, raw, 0o644))

	routes, err := json.Marshal(map[string]routeEntry{
		"basemap": {URL: archivePath, HandlerType: "pmtiles", Type: "vector"},
	})
	require.NoError(t, err)
	routesPath := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(routesPath, routes, 0o644))

	client := fetch.NewClient(0)
	reg, err := loadRegistry(client, routesPath, registryOptions{indexThreshold: 30})
	require.NoError(t, err)
	comp := raster.New(client, fetch.NewPolicy([]string{dir}), 0)
	return newServer(reg, comp, nil), dir
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIndexListsSources(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sources []string `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"basemap"}, body.Sources)
}

func TestServeTile(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := do(t, h, http.MethodGet, "http://api.test/basemap/0/0/0.pbf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "root tile", rec.Body.String())
	assert.Equal(t, "application/vnd.mapbox-vector-tile", rec.Header().Get("Content-Type"))
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))

	// a covered zoom without a stored tile is an empty 404
	rec = do(t, h, http.MethodGet, "http://api.test/basemap/2/1/1.pbf", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestServeTileWrongExtension(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/basemap/0/0/0.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestServeTileUnknownSource(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/satellite/0/0/0.pbf", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeTileBadCoords(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()
	for _, target := range []string{
		"http://api.test/basemap/99/0/0.pbf", // past the zoom ceiling
		"http://api.test/basemap/1/5/0.pbf",  // column outside the grid
		"http://api.test/basemap/z/0/0.pbf",
	} {
		rec := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServeTileJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/basemap/tiles.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tj struct {
		Name   string    `json:"name"`
		Tiles  []string  `json:"tiles"`
		Bounds []float64 `json:"bounds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tj))
	assert.Equal(t, "basemap", tj.Name)
	require.Len(t, tj.Tiles, 1)
	assert.Equal(t, "http://api.test/basemap/{z}/{x}/{y}.pbf", tj.Tiles[0])
	assert.Equal(t, []float64{-20, -20, 20, 20}, tj.Bounds)
}

func TestCOGTileRequiresURL(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/cog-tiles/0/0/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCOGInfoDeniedOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/cog-info?url=/elsewhere/x.tif", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "not in allowed origins")
}

func TestStacRoutesOnlyWithCatalog(t *testing.T) {
	s, dir := newTestServer(t)
	rec := do(t, s.routes(), http.MethodGet, "http://api.test/stac", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no catalog configured")

	desc := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(desc, []byte(`[{"id":"sites","title":"Sites","url":"`+dir+`/sites.parquet"}]`), 0o644))
	s.catalog = catalog.New(fetch.NewClient(0), desc)

	rec = do(t, s.routes(), http.MethodGet, "http://api.test/stac", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var root struct {
		Type  string `json:"type"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, "Catalog", root.Type)
	var child string
	for _, l := range root.Links {
		if l.Rel == "child" {
			child = l.Href
		}
	}
	assert.Equal(t, "http://api.test/stac/collections/sites", child)
}

func TestStacSearchBadLimit(t *testing.T) {
	s, dir := newTestServer(t)
	desc := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(desc, []byte(`[{"id":"sites","url":"`+dir+`/sites.parquet"}]`), 0o644))
	s.catalog = catalog.New(fetch.NewClient(0), desc)

	rec := do(t, s.routes(), http.MethodGet, "http://api.test/stac/search?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.routes(), http.MethodPost, "http://api.test/stac/search", `{"bbox":[1,2,3]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadRegistryRejectsUnknownHandler(t *testing.T) {
	dir := t.TempDir()
	routesPath := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(routesPath, []byte(`{"x":{"url":"x.bin","handlertype":"carousel"}}`), 0o644))
	_, err := loadRegistry(fetch.NewClient(0), routesPath, registryOptions{})
	assert.Error(t, err)
}
