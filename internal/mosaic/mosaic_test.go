package mosaic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
	"mapserve/internal/pmtile/pmtiletest"
)

// mosaicServer serves a generation-0 descriptor plus its shard archives.
// descriptorFetches, when non-nil, counts reads of the descriptor itself.
func mosaicServer(t *testing.T, shards map[string]pmtiletest.Spec, descriptorFetches *int64) *httptest.Server {
	t.Helper()

	blobs := map[string][]byte{}
	desc := map[string]interface{}{}
	for name, spec := range shards {
		blobs["/"+name] = pmtiletest.Build(t, spec)
		desc["../"+name] = map[string]interface{}{
			"header": ShardHeader{
				TileType:        pmtile.TypeMVT,
				TileCompression: spec.TileCompression,
				MinLonE7:        spec.Bound.MinLon,
				MinLatE7:        spec.Bound.MinLat,
				MaxLonE7:        spec.Bound.MaxLon,
				MaxLatE7:        spec.Bound.MaxLat,
				MinZoom:         spec.MinZoom,
				MaxZoom:         spec.MaxZoom,
				CenterZoom:      spec.MaxZoom,
				CenterLonE7:     (spec.Bound.MinLon + spec.Bound.MaxLon) / 2,
				CenterLatE7:     (spec.Bound.MinLat + spec.Bound.MaxLat) / 2,
			},
			"metadata": spec.Metadata,
		}
	}
	descRaw, err := json.Marshal(desc)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/mosaic.json") {
			if descriptorFetches != nil {
				atomic.AddInt64(descriptorFetches, 1)
			}
			w.Write(descRaw)
			return
		}
		blob, ok := blobs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, strings.NewReader(string(blob)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// west and east hemisphere shards, zoom 1-2.
func hemisphereShards() map[string]pmtiletest.Spec {
	west := geo.TileBoundE7(1, 0, 0).Union(geo.TileBoundE7(1, 0, 1))
	east := geo.TileBoundE7(1, 1, 0).Union(geo.TileBoundE7(1, 1, 1))
	return map[string]pmtiletest.Spec{
		"west.pmtiles": {
			TileType: pmtile.TypeMVT,
			MinZoom:  1, MaxZoom: 2,
			Bound:    west,
			Metadata: map[string]interface{}{"name": "west"},
			Tiles: map[uint64][]byte{
				pmtile.TileID(1, 0, 0): []byte("west tile"),
				pmtile.TileID(2, 1, 1): []byte("west deep"),
			},
		},
		"east.pmtiles": {
			TileType: pmtile.TypeMVT,
			MinZoom:  1, MaxZoom: 2,
			Bound:    east,
			Metadata: map[string]interface{}{"name": "east"},
			Tiles: map[uint64][]byte{
				pmtile.TileID(1, 1, 0): []byte("east tile"),
			},
		},
	}
}

func TestMosaicRoutesTileToCoveringShard(t *testing.T) {
	srv := mosaicServer(t, hemisphereShards(), nil)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json")

	td, err := m.Tile(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("west tile"), td.Data)
	assert.Equal(t, "application/vnd.mapbox-vector-tile", td.MediaType)

	td, err = m.Tile(context.Background(), 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("east tile"), td.Data)

	td, err = m.Tile(context.Background(), 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("west deep"), td.Data)
}

func TestMosaicMissReturnsNotFound(t *testing.T) {
	srv := mosaicServer(t, hemisphereShards(), nil)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json")

	// no bucket at zoom 0
	_, err := m.Tile(context.Background(), 0, 0, 0)
	assert.True(t, errs.Is(err, errs.NotFound))

	// covered by a shard's bbox but not stored in the archive
	_, err = m.Tile(context.Background(), 2, 0, 0)
	assert.True(t, errs.Is(err, errs.NotFound))

	// zoom past every shard
	_, err = m.Tile(context.Background(), 9, 0, 0)
	assert.True(t, errs.Is(err, errs.NotFound))
}

// Overlapping shards must resolve to the first one in sorted key order,
// with and without the spatial index.
func TestMosaicOverlapDeterministic(t *testing.T) {
	world := geo.TileBoundE7(0, 0, 0)
	shards := map[string]pmtiletest.Spec{
		"aaa.pmtiles": {
			MinZoom: 1, MaxZoom: 1, Bound: world,
			Tiles: map[uint64][]byte{pmtile.TileID(1, 0, 0): []byte("from aaa")},
		},
		"bbb.pmtiles": {
			MinZoom: 1, MaxZoom: 1, Bound: world,
			Tiles: map[uint64][]byte{pmtile.TileID(1, 0, 0): []byte("from bbb")},
		},
	}

	for name, threshold := range map[string]int{"linear": 100, "indexed": 1} {
		t.Run(name, func(t *testing.T) {
			srv := mosaicServer(t, shards, nil)
			m := New(fetch.NewClient(0), srv.URL+"/mosaic.json", WithIndexThreshold(threshold))
			td, err := m.Tile(context.Background(), 1, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, []byte("from aaa"), td.Data)
		})
	}
}

// A corrupt shard header claiming a max zoom past the tile grid must fail
// initialization instead of spinning in the bucket loop forever.
func TestMosaicRejectsImplausibleZoom(t *testing.T) {
	world := geo.TileBoundE7(0, 0, 0)
	shards := map[string]pmtiletest.Spec{
		"bad.pmtiles": {
			MinZoom: 0, MaxZoom: 255, Bound: world,
			Tiles: map[uint64][]byte{pmtile.TileID(0, 0, 0): []byte("x")},
		},
	}
	srv := mosaicServer(t, shards, nil)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json")

	done := make(chan error, 1)
	go func() {
		_, err := m.Tile(context.Background(), 0, 0, 0)
		done <- err
	}()
	select {
	case err := <-done:
		assert.True(t, errs.Is(err, errs.MalformedInput))
	case <-time.After(5 * time.Second):
		t.Fatal("initialization did not return")
	}

	// the failure must not wedge later callers
	_, err := m.Tile(context.Background(), 0, 0, 0)
	assert.True(t, errs.Is(err, errs.MalformedInput))
}

func TestMosaicShardIdentity(t *testing.T) {
	world := geo.TileBoundE7(0, 0, 0)
	shards := map[string]pmtiletest.Spec{
		"solo.pmtiles": {
			TileCompression: pmtile.CompressionGzip,
			MinZoom:         1, MaxZoom: 1, Bound: world,
			Tiles: map[uint64][]byte{pmtile.TileID(1, 0, 0): []byte("solo")},
		},
	}
	srv := mosaicServer(t, shards, nil)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json")

	_, err := m.Tile(context.Background(), 1, 0, 0)
	require.NoError(t, err)

	e, err := m.resolveShard(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/solo.pmtiles", e.Locator())
	assert.Equal(t, pmtile.CompressionGzip, m.Compression())
}

func TestMosaicInitSingleFlight(t *testing.T) {
	var fetches int64
	srv := mosaicServer(t, hemisphereShards(), &fetches)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json")

	const k = 12
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Tile(context.Background(), 1, 0, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))

	// re-init is a no-op
	_, err := m.Tile(context.Background(), 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	assert.Equal(t, 2, m.ShardCount())
}

func TestMosaicTileJSONMergesBounds(t *testing.T) {
	srv := mosaicServer(t, hemisphereShards(), nil)
	m := New(fetch.NewClient(0), srv.URL+"/mosaic.json", WithAttributionSuffix("| mosaic"))

	tj, err := m.TileJSON(context.Background(), "https://host/m/{z}/{x}/{y}.pbf")
	require.NoError(t, err)
	assert.InDelta(t, -180, tj.Bounds[0], 1e-6)
	assert.InDelta(t, 180, tj.Bounds[2], 1e-6)
	assert.Equal(t, 1, tj.MinZoom)
	assert.Equal(t, 2, tj.MaxZoom)
	// representative metadata comes from the first sorted key
	assert.Equal(t, "east", tj.Name)
	assert.Equal(t, "| mosaic", tj.Attribution)

	ext, err := m.Ext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pbf", ext)
}
