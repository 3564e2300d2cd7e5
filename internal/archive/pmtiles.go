package archive

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mapserve/internal/fetch"
	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
)

// PMTiles resolves tiles from one remote or local pmtiles archive.
// Initialization (header + metadata fetch) happens once, on first use,
// shared by all concurrent first callers.
type PMTiles struct {
	locator           string
	client            *fetch.Client
	attributionSuffix string

	sf    singleflight.Group
	ready atomic.Bool
	rd    *pmtile.Reader
	meta  map[string]interface{}
}

// NewPMTiles wraps locator without touching the network.
func NewPMTiles(client *fetch.Client, locator, attributionSuffix string) *PMTiles {
	return &PMTiles{locator: locator, client: client, attributionSuffix: attributionSuffix}
}

// ensure completes one-time setup. Failure leaves the resolver
// uninitialized so a later call can retry.
func (p *PMTiles) ensure(ctx context.Context) error {
	if p.ready.Load() {
		return nil
	}
	_, err, _ := p.sf.Do("init", func() (interface{}, error) {
		if p.ready.Load() {
			return nil, nil
		}
		src, err := p.client.Open(p.locator)
		if err != nil {
			return nil, err
		}
		rd, err := pmtile.Open(ctx, src)
		if err != nil {
			src.Close()
			return nil, err
		}
		meta, err := rd.Metadata(ctx)
		if err != nil {
			rd.Close()
			return nil, err
		}
		p.rd = rd
		p.meta = meta
		p.ready.Store(true)
		log.Debugf("archive %s ready, zoom %d-%d", p.locator, rd.Header().MinZoom, rd.Header().MaxZoom)
		return nil, nil
	})
	return err
}

// Header exposes the archive header after initialization.
func (p *PMTiles) Header(ctx context.Context) (pmtile.Header, error) {
	if err := p.ensure(ctx); err != nil {
		return pmtile.Header{}, err
	}
	return p.rd.Header(), nil
}

// Metadata exposes the archive's descriptive metadata after initialization.
func (p *PMTiles) Metadata(ctx context.Context) (map[string]interface{}, error) {
	if err := p.ensure(ctx); err != nil {
		return nil, err
	}
	return p.meta, nil
}

// Tile implements Source. Vector tiles stored gzip-compressed are relayed
// as-is with their encoding noted.
func (p *PMTiles) Tile(ctx context.Context, z uint8, x, y uint32) (TileData, error) {
	if err := p.ensure(ctx); err != nil {
		return TileData{}, err
	}
	b, err := p.rd.Tile(ctx, z, x, y)
	if err != nil {
		return TileData{}, err
	}
	h := p.rd.Header()
	td := TileData{Data: b, MediaType: h.TileType.MediaType()}
	if h.TileCompression == pmtile.CompressionGzip {
		td.Encoding = "gzip"
	}
	return td, nil
}

// Ext implements Source.
func (p *PMTiles) Ext(ctx context.Context) (string, error) {
	if err := p.ensure(ctx); err != nil {
		return "", err
	}
	return p.rd.Header().TileType.Ext(), nil
}

// TileJSON implements Source.
func (p *PMTiles) TileJSON(ctx context.Context, tileURL string) (*TileJSON, error) {
	if err := p.ensure(ctx); err != nil {
		return nil, err
	}
	h := p.rd.Header()
	return BuildTileJSON(
		p.meta,
		h.BoundE7(),
		geo.FromE7(h.CenterLonE7), geo.FromE7(h.CenterLatE7), int(h.CenterZoom),
		int(h.MinZoom), int(h.MaxZoom),
		tileURL, p.attributionSuffix,
	), nil
}
