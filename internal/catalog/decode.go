package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	log "github.com/sirupsen/logrus"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
)

// partitionMeta mirrors the sidecar file written next to partitioned
// sets: extents maps partition filename to its lon/lat bounds.
type partitionMeta struct {
	Extents map[string][4]float64 `json:"extents"`
}

// ensure resolves the partition list. Partitioned collections read the
// <base>.parquet.meta.json sidecar; plain ones get a single unbounded
// partition.
func (c *Collection) ensure(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	_, err, _ := c.sf.Do("init", func() (interface{}, error) {
		if c.ready.Load() {
			return nil, nil
		}
		var parts []*partition
		if c.desc.PartitionedParquet {
			metaLoc := metaLocator(c.desc.URL)
			data, err := c.client.ReadAll(ctx, metaLoc)
			if err != nil {
				return nil, err
			}
			var meta partitionMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, errs.New(errs.MalformedInput, "partition meta %s: %v", metaLoc, err)
			}
			if len(meta.Extents) == 0 {
				return nil, errs.New(errs.MalformedInput, "partition meta %s: no extents", metaLoc)
			}
			names := make([]string, 0, len(meta.Extents))
			for name := range meta.Extents {
				names = append(names, name)
			}
			sort.Strings(names)
			union := orb.Bound{}
			for i, name := range names {
				ext := meta.Extents[name]
				b := orb.Bound{Min: orb.Point{ext[0], ext[1]}, Max: orb.Point{ext[2], ext[3]}}
				parts = append(parts, &partition{
					locator:  fetch.ResolveRelative(metaLoc, name),
					bound:    b,
					hasBound: true,
				})
				if i == 0 {
					union = b
				} else {
					union = union.Union(b)
				}
			}
			c.bound = union
			c.hasBound = true
		} else {
			parts = []*partition{{locator: c.desc.URL}}
		}
		c.mu.Lock()
		c.partitions = parts
		c.mu.Unlock()
		c.ready.Store(true)
		return nil, nil
	})
	return err
}

// metaLocator derives the sidecar meta path from the base parquet URL.
func metaLocator(base string) string {
	return strings.TrimSuffix(base, ".parquet") + ".parquet.meta.json"
}

// features returns the decoded records, decoding only the partitions
// whose extent can intersect the filter. The filter still applies
// per-feature afterwards.
func (c *Collection) features(ctx context.Context, filter *orb.Bound) ([]*Feature, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	var out []*Feature
	for _, p := range c.partitions {
		if filter != nil && p.hasBound && !p.bound.Intersects(*filter) {
			continue
		}
		feats, err := c.load(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, f := range feats {
			if filter != nil && !f.Bound.Intersects(*filter) {
				continue
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// Bound returns the collection extent in lon/lat. Partitioned sets know
// it from the sidecar; plain ones force a decode.
func (c *Collection) Bound(ctx context.Context) (orb.Bound, error) {
	if err := c.ensure(ctx); err != nil {
		return orb.Bound{}, err
	}
	c.mu.Lock()
	if c.hasBound {
		b := c.bound
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()
	feats, err := c.features(ctx, nil)
	if err != nil {
		return orb.Bound{}, err
	}
	if len(feats) == 0 {
		return orb.Bound{}, nil
	}
	b := feats[0].Bound
	for _, f := range feats[1:] {
		b = b.Union(f.Bound)
	}
	c.mu.Lock()
	c.bound, c.hasBound = b, true
	c.mu.Unlock()
	return b, nil
}

// load decodes one partition under single-flight and caches the result
// for the process lifetime.
func (c *Collection) load(ctx context.Context, p *partition) ([]*Feature, error) {
	if p.loaded.Load() {
		return p.features, nil
	}
	v, err, _ := p.sf.Do("load", func() (interface{}, error) {
		if p.loaded.Load() {
			return p.features, nil
		}
		data, err := c.client.ReadAll(ctx, p.locator)
		if err != nil {
			return nil, err
		}
		feats, err := decodeParquet(data, c.desc.ID, p.locator)
		if err != nil {
			return nil, err
		}
		p.features = feats
		p.loaded.Store(true)
		log.Infof("collection %s: %s decoded, %d features", c.desc.ID, p.locator, len(feats))
		return feats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Feature), nil
}

// geoMeta is the GeoParquet file-level metadata carried under the "geo"
// key-value pair.
type geoMeta struct {
	PrimaryColumn string `json:"primary_column"`
}

// decodeParquet reads every row of a GeoParquet buffer into features.
// The geometry column comes from the "geo" metadata; it falls back to a
// column literally named "geometry".
func decodeParquet(data []byte, collectionID, locator string) ([]*Feature, error) {
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.New(errs.MalformedInput, "parquet %s: %v", locator, err)
	}

	geomCol := "geometry"
	if raw, ok := pf.Lookup("geo"); ok {
		var gm geoMeta
		if err := json.Unmarshal([]byte(raw), &gm); err == nil && gm.PrimaryColumn != "" {
			geomCol = gm.PrimaryColumn
		}
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	geomIdx := -1
	for i, f := range fields {
		names[i] = f.Name()
		if f.Name() == geomCol {
			geomIdx = i
		}
	}
	if geomIdx < 0 {
		return nil, errs.New(errs.MalformedInput, "parquet %s: no geometry column %q", locator, geomCol)
	}

	base := strings.TrimSuffix(path.Base(locator), path.Ext(locator))
	var feats []*Feature
	ordinal := 0
	buf := make([]parquet.Row, 128)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				f, ferr := decodeRow(row, names, geomIdx, collectionID, base, ordinal)
				if ferr != nil {
					rows.Close()
					return nil, ferr
				}
				if f != nil {
					feats = append(feats, f)
				}
				ordinal++
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, errs.New(errs.MalformedInput, "parquet %s: %v", locator, err)
			}
		}
		rows.Close()
	}
	return feats, nil
}

func decodeRow(row parquet.Row, names []string, geomIdx int, collectionID, base string, ordinal int) (*Feature, error) {
	f := &Feature{Properties: map[string]interface{}{}}
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(names) {
			continue
		}
		if col == geomIdx {
			if v.IsNull() {
				continue
			}
			geom, err := wkb.Unmarshal(v.ByteArray())
			if err != nil {
				return nil, errs.New(errs.MalformedInput, "row %d: bad geometry: %v", ordinal, err)
			}
			f.Geometry = geom
			f.Bound = geom.Bound()
			continue
		}
		if v.IsNull() {
			continue
		}
		f.Properties[names[col]] = plainValue(v)
	}
	if f.Geometry == nil {
		// Geometry-less rows carry nothing a spatial API can serve.
		return nil, nil
	}
	f.ID = rowID(f.Properties, base, ordinal)
	return f, nil
}

func rowID(props map[string]interface{}, base string, ordinal int) string {
	if raw, ok := props["id"]; ok {
		switch id := raw.(type) {
		case string:
			if id != "" {
				return id
			}
		case int64:
			return strconv.FormatInt(id, 10)
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return fmt.Sprintf("%s-%d", base, ordinal)
}

// plainValue converts a parquet scalar into the JSON-friendly shape the
// item properties carry.
func plainValue(v parquet.Value) interface{} {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
