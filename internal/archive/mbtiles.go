package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	// MBTiles archives are sqlite databases.
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mapserve/internal/errs"
	"mapserve/internal/geo"
)

// MBTiles resolves tiles from a local MBTiles archive. The tiles table
// stores rows in TMS order, so y is flipped on the way in.
type MBTiles struct {
	path              string
	attributionSuffix string

	sf    singleflight.Group
	ready atomic.Bool
	db    *sql.DB
	meta  map[string]interface{}

	format  string
	bounds  geo.BoundE7
	center  [3]float64
	minZoom int
	maxZoom int
}

// NewMBTiles wraps a local archive path without opening it.
func NewMBTiles(path, attributionSuffix string) *MBTiles {
	return &MBTiles{path: path, attributionSuffix: attributionSuffix}
}

func (m *MBTiles) ensure(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	_, err, _ := m.sf.Do("init", func() (interface{}, error) {
		if m.ready.Load() {
			return nil, nil
		}
		db, err := sql.Open("sqlite3", m.path)
		if err != nil {
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		if err := m.loadMetadata(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		m.db = db
		m.ready.Store(true)
		log.Debugf("mbtiles %s ready, zoom %d-%d", m.path, m.minZoom, m.maxZoom)
		return nil, nil
	})
	return err
}

// loadMetadata reads the metadata table, folding the embedded "json" value
// into the flat key set the way the rest of the metadata is exposed.
func (m *MBTiles) loadMetadata(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "select name, value from metadata")
	if err != nil {
		return errs.Wrap(errs.MalformedInput, err)
	}
	defer rows.Close()

	meta := map[string]interface{}{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return errs.Wrap(errs.MalformedInput, err)
		}
		if name == "json" {
			var embedded map[string]interface{}
			if err := json.Unmarshal([]byte(value), &embedded); err != nil {
				return errs.New(errs.MalformedInput, "mbtiles %s: bad embedded json: %v", m.path, err)
			}
			for k, v := range embedded {
				meta[k] = v
			}
			continue
		}
		meta[name] = value
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.MalformedInput, err)
	}

	m.meta = meta
	m.format = stringField(meta, "format")
	if m.format == "" {
		return errs.New(errs.MalformedInput, "mbtiles %s: metadata has no format", m.path)
	}
	m.minZoom, err = metaInt(meta, "minzoom")
	if err != nil {
		return err
	}
	m.maxZoom, err = metaInt(meta, "maxzoom")
	if err != nil {
		return err
	}
	if err := m.parseBounds(stringField(meta, "bounds")); err != nil {
		return err
	}
	m.parseCenter(stringField(meta, "center"))
	return nil
}

func (m *MBTiles) parseBounds(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return errs.New(errs.MalformedInput, "mbtiles %s: bad bounds %q", m.path, s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return errs.New(errs.MalformedInput, "mbtiles %s: bad bounds %q", m.path, s)
		}
		vals[i] = v
	}
	m.bounds = geo.BoundE7{
		MinLon: geo.ToE7(vals[0]), MinLat: geo.ToE7(vals[1]),
		MaxLon: geo.ToE7(vals[2]), MaxLat: geo.ToE7(vals[3]),
	}
	return nil
}

func (m *MBTiles) parseCenter(s string) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		// Fall back to the bounds midpoint.
		m.center = [3]float64{
			(geo.FromE7(m.bounds.MinLon) + geo.FromE7(m.bounds.MaxLon)) / 2,
			(geo.FromE7(m.bounds.MinLat) + geo.FromE7(m.bounds.MaxLat)) / 2,
			float64(m.maxZoom),
		}
		return
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		m.center[i] = v
	}
}

func metaInt(meta map[string]interface{}, key string) (int, error) {
	switch v := meta[key].(type) {
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errs.New(errs.MalformedInput, "metadata %s: %v", key, err)
		}
		return n, nil
	case float64:
		return int(v), nil
	default:
		return 0, errs.New(errs.MalformedInput, "metadata %s missing", key)
	}
}

func (m *MBTiles) mediaType() string {
	switch m.format {
	case "pbf":
		return "application/vnd.mapbox-vector-tile"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// Tile implements Source.
func (m *MBTiles) Tile(ctx context.Context, z uint8, x, y uint32) (TileData, error) {
	if err := m.ensure(ctx); err != nil {
		return TileData{}, err
	}
	flipped := (uint32(1) << z) - 1 - y
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		z, x, flipped).Scan(&data)
	if err == sql.ErrNoRows {
		return TileData{}, errs.New(errs.NotFound, "tile %d/%d/%d not in archive", z, x, y)
	}
	if err != nil {
		return TileData{}, errs.Wrap(errs.ResourceUnavailable, err)
	}
	td := TileData{Data: data, MediaType: m.mediaType()}
	if m.format == "pbf" {
		td.Encoding = "gzip"
	}
	return td, nil
}

// Ext implements Source.
func (m *MBTiles) Ext(ctx context.Context) (string, error) {
	if err := m.ensure(ctx); err != nil {
		return "", err
	}
	return m.format, nil
}

// TileJSON implements Source.
func (m *MBTiles) TileJSON(ctx context.Context, tileURL string) (*TileJSON, error) {
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return BuildTileJSON(
		m.meta, m.bounds,
		m.center[0], m.center[1], int(m.center[2]),
		m.minZoom, m.maxZoom,
		tileURL, m.attributionSuffix,
	), nil
}
