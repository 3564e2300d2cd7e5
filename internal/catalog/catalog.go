// Package catalog exposes named feature collections backed by remote
// columnar geometry files. Each backing file decodes fully on first
// access and stays cached for the process lifetime; bbox filtering is a
// post-decode linear scan. Both are documented scale limits acceptable
// for few, read-only collections.
package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
)

// Feature is one decoded record.
type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Bound      orb.Bound
	Properties map[string]interface{}
}

// descriptor is one entry of the catalog description file.
type descriptor struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	// PartitionedParquet marks collections whose backing file is split
	// into <base>.<NN>.parquet partitions with a sibling
	// <base>.parquet.meta.json carrying per-partition extents.
	PartitionedParquet bool `json:"partitioned_parquet"`
}

type partition struct {
	locator string
	// bound is the partition extent from the meta file; zero (empty)
	// when unknown, which always decodes.
	bound    orb.Bound
	hasBound bool

	sf       singleflight.Group
	loaded   atomic.Bool
	features []*Feature
}

// Collection is one named feature collection.
type Collection struct {
	desc   descriptor
	client *fetch.Client

	sf    singleflight.Group
	ready atomic.Bool

	mu         sync.Mutex
	partitions []*partition
	bound      orb.Bound
	hasBound   bool
}

// ID returns the collection identifier.
func (c *Collection) ID() string { return c.desc.ID }

// Catalog owns the collection set. The description file parses once under
// single-flight; a parse failure resets so a later call can retry.
type Catalog struct {
	locator string
	client  *fetch.Client

	sf    singleflight.Group
	ready atomic.Bool

	collections []*Collection
	byID        map[string]*Collection
}

// New wraps a catalog description locator without reading it.
func New(client *fetch.Client, locator string) *Catalog {
	return &Catalog{locator: locator, client: client}
}

func (cat *Catalog) ensure(ctx context.Context) error {
	if cat.ready.Load() {
		return nil
	}
	_, err, _ := cat.sf.Do("init", func() (interface{}, error) {
		if cat.ready.Load() {
			return nil, nil
		}
		data, err := cat.client.ReadAll(ctx, cat.locator)
		if err != nil {
			return nil, err
		}
		descs, err := parseDescription(cat.locator, data)
		if err != nil {
			return nil, err
		}
		byID := map[string]*Collection{}
		cols := make([]*Collection, 0, len(descs))
		for _, d := range descs {
			col := &Collection{desc: d, client: cat.client}
			cols = append(cols, col)
			byID[d.ID] = col
		}
		cat.collections = cols
		cat.byID = byID
		cat.ready.Store(true)
		log.Infof("catalog %s ready: %d collections", cat.locator, len(cols))
		return nil, nil
	})
	return err
}

// parseDescription accepts either a bare array of collections or an
// object with a "collections" array.
func parseDescription(locator string, data []byte) ([]descriptor, error) {
	var descs []descriptor
	if err := json.Unmarshal(data, &descs); err == nil {
		return validateDescs(locator, descs)
	}
	var wrapped struct {
		Collections []descriptor `json:"collections"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, errs.New(errs.MalformedInput, "catalog description %s: %v", locator, err)
	}
	return validateDescs(locator, wrapped.Collections)
}

func validateDescs(locator string, descs []descriptor) ([]descriptor, error) {
	if len(descs) == 0 {
		return nil, errs.New(errs.MalformedInput, "catalog description %s: no collections", locator)
	}
	for _, d := range descs {
		if d.ID == "" || d.URL == "" {
			return nil, errs.New(errs.MalformedInput, "catalog description %s: collection missing id or url", locator)
		}
	}
	return descs, nil
}

// Collections returns a page of the collection set plus the total count.
func (cat *Catalog) Collections(ctx context.Context, limit, offset int) ([]*Collection, int, error) {
	if err := cat.ensure(ctx); err != nil {
		return nil, 0, err
	}
	total := len(cat.collections)
	lo, hi := pageBounds(total, limit, offset)
	return cat.collections[lo:hi], total, nil
}

// Collection looks up one collection by id.
func (cat *Catalog) Collection(ctx context.Context, id string) (*Collection, error) {
	if err := cat.ensure(ctx); err != nil {
		return nil, err
	}
	col, ok := cat.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "no collection %q", id)
	}
	return col, nil
}

// Items returns a page of features, optionally filtered to those whose
// bbox intersects filter.
func (cat *Catalog) Items(ctx context.Context, id string, limit, offset int, filter *orb.Bound) ([]*Feature, int, error) {
	col, err := cat.Collection(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	feats, err := col.features(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	matched := len(feats)
	lo, hi := pageBounds(matched, limit, offset)
	return feats[lo:hi], matched, nil
}

// Item looks up a single feature by id.
func (cat *Catalog) Item(ctx context.Context, id, itemID string) (*Feature, error) {
	col, err := cat.Collection(ctx, id)
	if err != nil {
		return nil, err
	}
	feats, err := col.features(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range feats {
		if f.ID == itemID {
			return f, nil
		}
	}
	return nil, errs.New(errs.NotFound, "no item %q in collection %q", itemID, id)
}

// SearchParams selects features across collections.
type SearchParams struct {
	Collections []string
	Bbox        *orb.Bound
	Limit       int
}

// SearchResult pairs a feature with its collection for link generation.
type SearchResult struct {
	Feature    *Feature
	Collection string
}

// Search fans the query across the named collections sequentially,
// truncating at the requested limit.
func (cat *Catalog) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if err := cat.ensure(ctx); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	names := p.Collections
	if len(names) == 0 {
		for _, c := range cat.collections {
			names = append(names, c.desc.ID)
		}
	}
	var out []SearchResult
	for _, name := range names {
		col, ok := cat.byID[name]
		if !ok {
			return nil, errs.New(errs.NotFound, "no collection %q", name)
		}
		feats, err := col.features(ctx, p.Bbox)
		if err != nil {
			// One broken collection must not abort results already
			// gathered from the healthy ones.
			log.Warnf("search: collection %s failed: %v", name, err)
			continue
		}
		for _, f := range feats {
			out = append(out, SearchResult{Feature: f, Collection: name})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func pageBounds(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

// ParseBbox parses the "minLon,minLat,maxLon,maxLat" query form.
func ParseBbox(s string) (*orb.Bound, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errs.New(errs.MalformedInput, "bbox wants 4 comma-separated numbers, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		if err := json.Unmarshal([]byte(strings.TrimSpace(p)), &vals[i]); err != nil {
			return nil, errs.New(errs.MalformedInput, "bad bbox value %q", p)
		}
	}
	b := orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}
	return &b, nil
}
