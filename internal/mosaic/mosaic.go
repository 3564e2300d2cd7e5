package mosaic

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/rtree"
	"golang.org/x/sync/singleflight"

	"mapserve/internal/archive"
	"mapserve/internal/errs"
	"mapserve/internal/fetch"
	"mapserve/internal/geo"
	"mapserve/internal/pmtile"
)

// DefaultIndexThreshold is the shard count below which per-zoom buckets
// fall back to a linear scan; index-build cost does not pay off at low
// cardinality. Configurable via mosaic.index_threshold.
const DefaultIndexThreshold = 30

// maxPlausibleZoom matches the grid cap in geo.ValidTile; a shard header
// claiming more is corrupt.
const maxPlausibleZoom = 30

// ShardEntry ties a shard locator to its descriptor header and the lazily
// opened archive behind it. Entries are immutable once the mosaic is
// initialized; idx records descriptor order for deterministic matching.
type ShardEntry struct {
	idx     int
	locator string
	header  ShardHeader
	arch    *archive.PMTiles
}

// Locator returns the resolved shard locator.
func (s *ShardEntry) Locator() string { return s.locator }

// bucket is the static bbox index for one zoom level. tr is nil under the
// small-cardinality fallback.
type bucket struct {
	entries []*ShardEntry
	tr      *rtree.RTreeG[*ShardEntry]
}

func (b *bucket) match(tb geo.BoundE7) *ShardEntry {
	if b.tr == nil {
		// First entry in descriptor order whose stored bbox fully
		// contains the tile's bbox. Partial overlap is a non-match.
		for _, e := range b.entries {
			if e.header.BoundE7().Contains(tb) {
				return e
			}
		}
		return nil
	}
	var best *ShardEntry
	deg := tb.Bound()
	b.tr.Search(
		[2]float64{deg.Min[0], deg.Min[1]},
		[2]float64{deg.Max[0], deg.Max[1]},
		func(_, _ [2]float64, e *ShardEntry) bool {
			if !e.header.BoundE7().Contains(tb) {
				return true
			}
			if best == nil || e.idx < best.idx {
				best = e
			}
			return true
		},
	)
	return best
}

// Mosaic is a logical tile source assembled from shard archives.
// State machine: uninitialized -> initializing (single-flight, failure
// resets) -> ready.
type Mosaic struct {
	locator           string
	client            *fetch.Client
	attributionSuffix string
	indexThreshold    int

	sf    singleflight.Group
	ready atomic.Bool

	desc    *Descriptor
	shards  []*ShardEntry
	buckets map[uint8]*bucket
}

// Option adjusts mosaic construction.
type Option func(*Mosaic)

// WithIndexThreshold overrides the spatial-index cardinality threshold.
func WithIndexThreshold(n int) Option {
	return func(m *Mosaic) {
		if n > 0 {
			m.indexThreshold = n
		}
	}
}

// WithAttributionSuffix appends a community-credit suffix to the merged
// attribution line.
func WithAttributionSuffix(s string) Option {
	return func(m *Mosaic) { m.attributionSuffix = s }
}

// New wraps a descriptor locator without touching the network.
func New(client *fetch.Client, locator string, opts ...Option) *Mosaic {
	m := &Mosaic{
		locator:        locator,
		client:         client,
		indexThreshold: DefaultIndexThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ensure runs one-time setup under single-flight: concurrent first callers
// share one descriptor fetch and all observe its outcome. Failure leaves
// the mosaic uninitialized so a later call can retry.
func (m *Mosaic) ensure(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	_, err, _ := m.sf.Do("init", func() (interface{}, error) {
		if m.ready.Load() {
			return nil, nil
		}
		if err := m.initialize(ctx); err != nil {
			return nil, err
		}
		m.ready.Store(true)
		return nil, nil
	})
	return err
}

func (m *Mosaic) initialize(ctx context.Context) error {
	data, err := m.client.ReadAll(ctx, m.locator)
	if err != nil {
		return err
	}
	desc, err := ParseDescriptor(m.locator, data)
	if err != nil {
		return err
	}

	shards := make([]*ShardEntry, 0, len(desc.Keys))
	for i, locator := range desc.Keys {
		shards = append(shards, &ShardEntry{
			idx:     i,
			locator: locator,
			header:  desc.Slices[locator].Header,
			arch:    archive.NewPMTiles(m.client, locator, ""),
		})
	}

	buckets := map[uint8]*bucket{}
	for _, s := range shards {
		if s.header.MaxZoom > maxPlausibleZoom {
			return errs.New(errs.MalformedInput, "shard %s: implausible max zoom %d", s.locator, s.header.MaxZoom)
		}
		// int loop variable: a uint8 counter wraps at a max zoom of 255
		// and never terminates.
		for z := int(s.header.MinZoom); z <= int(s.header.MaxZoom); z++ {
			bk := buckets[uint8(z)]
			if bk == nil {
				bk = &bucket{}
				buckets[uint8(z)] = bk
			}
			bk.entries = append(bk.entries, s)
		}
	}
	indexed := 0
	if len(shards) >= m.indexThreshold {
		for _, bk := range buckets {
			tr := &rtree.RTreeG[*ShardEntry]{}
			for _, e := range bk.entries {
				deg := e.header.BoundE7().Bound()
				tr.Insert(
					[2]float64{deg.Min[0], deg.Min[1]},
					[2]float64{deg.Max[0], deg.Max[1]},
					e,
				)
			}
			bk.tr = tr
			indexed++
		}
	}

	m.desc = desc
	m.shards = shards
	m.buckets = buckets
	log.Infof("mosaic %s ready: generation %d, %d shards, %d zoom buckets (%d indexed)",
		m.locator, desc.Generation, len(shards), len(buckets), indexed)
	return nil
}

// resolveShard routes one coordinate to at most one shard.
func (m *Mosaic) resolveShard(z uint8, x, y uint32) (*ShardEntry, error) {
	bk, ok := m.buckets[z]
	if !ok {
		return nil, errs.New(errs.NotFound, "no shard covers zoom %d", z)
	}
	e := bk.match(geo.TileBoundE7(uint32(z), x, y))
	if e == nil {
		return nil, errs.New(errs.NotFound, "no shard covers tile %d/%d/%d", z, x, y)
	}
	return e, nil
}

// Tile implements archive.Source.
func (m *Mosaic) Tile(ctx context.Context, z uint8, x, y uint32) (archive.TileData, error) {
	if err := m.ensure(ctx); err != nil {
		return archive.TileData{}, err
	}
	e, err := m.resolveShard(z, x, y)
	if err != nil {
		return archive.TileData{}, err
	}
	td, err := e.arch.Tile(ctx, z, x, y)
	if err != nil {
		return archive.TileData{}, err
	}
	// The shard's own header may be missing the media type on old
	// archives; the descriptor copy is authoritative.
	if td.MediaType == "" || td.MediaType == "application/octet-stream" {
		td.MediaType = e.header.TileType.MediaType()
	}
	return td, nil
}

// Ext implements archive.Source.
func (m *Mosaic) Ext(ctx context.Context) (string, error) {
	if err := m.ensure(ctx); err != nil {
		return "", err
	}
	return m.desc.Header.TileType.Ext(), nil
}

// TileJSON implements archive.Source. Bounds and center come from the
// logical header, descaled; descriptive fields from the merged or
// representative metadata.
func (m *Mosaic) TileJSON(ctx context.Context, tileURL string) (*archive.TileJSON, error) {
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	h := m.desc.Header
	return archive.BuildTileJSON(
		m.desc.Metadata,
		h.BoundE7(),
		geo.FromE7(h.CenterLonE7), geo.FromE7(h.CenterLatE7), int(h.CenterZoom),
		int(h.MinZoom), int(h.MaxZoom),
		tileURL, m.attributionSuffix,
	), nil
}

// ShardCount reports the number of shard entries once initialized.
func (m *Mosaic) ShardCount() int { return len(m.shards) }

// Compression exposes the logical tile compression once initialized.
func (m *Mosaic) Compression() pmtile.Compression { return m.desc.Header.TileCompression }
