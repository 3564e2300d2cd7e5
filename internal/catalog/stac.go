package catalog

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const stacVersion = "1.0.0"

// Link is a STAC hypermedia link.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// RootDoc is the landing page document.
type RootDoc struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	StacVersion string `json:"stac_version"`
	Description string `json:"description"`
	Links       []Link `json:"links"`
}

// CollectionDoc is one collection rendered for the API.
type CollectionDoc struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	StacVersion string `json:"stac_version"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	License     string `json:"license"`
	Extent      Extent `json:"extent"`
	Links       []Link `json:"links"`
}

// Extent carries the spatial and temporal envelope of a collection.
type Extent struct {
	Spatial  SpatialExtent  `json:"spatial"`
	Temporal TemporalExtent `json:"temporal"`
}

type SpatialExtent struct {
	Bbox [][]float64 `json:"bbox"`
}

type TemporalExtent struct {
	Interval [][]*string `json:"interval"`
}

// CollectionsDoc is the paged collection listing.
type CollectionsDoc struct {
	Collections    []CollectionDoc `json:"collections"`
	Links          []Link          `json:"links"`
	NumberMatched  int             `json:"numberMatched"`
	NumberReturned int             `json:"numberReturned"`
}

// ItemDoc is one feature rendered as a STAC item.
type ItemDoc struct {
	Type        string                 `json:"type"`
	StacVersion string                 `json:"stac_version"`
	ID          string                 `json:"id"`
	Collection  string                 `json:"collection"`
	Geometry    *geojson.Geometry      `json:"geometry"`
	Bbox        []float64              `json:"bbox"`
	Properties  map[string]interface{} `json:"properties"`
	Links       []Link                 `json:"links"`
}

// ItemsDoc is a feature-collection page.
type ItemsDoc struct {
	Type           string    `json:"type"`
	Features       []ItemDoc `json:"features"`
	Links          []Link    `json:"links"`
	NumberMatched  int       `json:"numberMatched"`
	NumberReturned int       `json:"numberReturned"`
}

// RenderRoot builds the landing page with child links per collection.
func (cat *Catalog) RenderRoot(ctx context.Context, baseURL string) (RootDoc, error) {
	if err := cat.ensure(ctx); err != nil {
		return RootDoc{}, err
	}
	doc := RootDoc{
		Type:        "Catalog",
		ID:          "mapserve",
		StacVersion: stacVersion,
		Description: "collections served from columnar geometry files",
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac", Type: "application/json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
			{Rel: "data", Href: baseURL + "/stac/collections", Type: "application/json"},
			{Rel: "search", Href: baseURL + "/stac/search", Type: "application/geo+json"},
		},
	}
	for _, c := range cat.collections {
		doc.Links = append(doc.Links, Link{
			Rel:   "child",
			Href:  baseURL + "/stac/collections/" + c.desc.ID,
			Type:  "application/json",
			Title: c.desc.Title,
		})
	}
	return doc, nil
}

// RenderCollection builds the collection document, forcing the extent to
// resolve.
func (cat *Catalog) RenderCollection(ctx context.Context, baseURL, id string) (CollectionDoc, error) {
	col, err := cat.Collection(ctx, id)
	if err != nil {
		return CollectionDoc{}, err
	}
	b, err := col.Bound(ctx)
	if err != nil {
		return CollectionDoc{}, err
	}
	return CollectionDoc{
		Type:        "Collection",
		ID:          col.desc.ID,
		StacVersion: stacVersion,
		Title:       col.desc.Title,
		Description: col.desc.Description,
		License:     "proprietary",
		Extent: Extent{
			Spatial:  SpatialExtent{Bbox: [][]float64{{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}}},
			Temporal: TemporalExtent{Interval: [][]*string{{nil, nil}}},
		},
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac/collections/" + col.desc.ID, Type: "application/json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
			{Rel: "items", Href: baseURL + "/stac/collections/" + col.desc.ID + "/items", Type: "application/geo+json"},
		},
	}, nil
}

// RenderCollections builds the paged listing.
func (cat *Catalog) RenderCollections(ctx context.Context, baseURL string, limit, offset int) (CollectionsDoc, error) {
	cols, total, err := cat.Collections(ctx, limit, offset)
	if err != nil {
		return CollectionsDoc{}, err
	}
	doc := CollectionsDoc{
		Collections:    make([]CollectionDoc, 0, len(cols)),
		NumberMatched:  total,
		NumberReturned: len(cols),
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac/collections", Type: "application/json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
		},
	}
	for _, c := range cols {
		cd, err := cat.RenderCollection(ctx, baseURL, c.desc.ID)
		if err != nil {
			return CollectionsDoc{}, err
		}
		doc.Collections = append(doc.Collections, cd)
	}
	return doc, nil
}

func renderItem(baseURL, collection string, f *Feature) ItemDoc {
	return ItemDoc{
		Type:        "Feature",
		StacVersion: stacVersion,
		ID:          f.ID,
		Collection:  collection,
		Geometry:    geojson.NewGeometry(f.Geometry),
		Bbox:        []float64{f.Bound.Min[0], f.Bound.Min[1], f.Bound.Max[0], f.Bound.Max[1]},
		Properties:  f.Properties,
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac/collections/" + collection + "/items/" + f.ID, Type: "application/geo+json"},
			{Rel: "collection", Href: baseURL + "/stac/collections/" + collection, Type: "application/json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
		},
	}
}

// RenderItems builds one feature-collection page.
func (cat *Catalog) RenderItems(ctx context.Context, baseURL, id string, limit, offset int, bbox *orb.Bound) (ItemsDoc, error) {
	feats, matched, err := cat.Items(ctx, id, limit, offset, bbox)
	if err != nil {
		return ItemsDoc{}, err
	}
	doc := ItemsDoc{
		Type:           "FeatureCollection",
		Features:       make([]ItemDoc, 0, len(feats)),
		NumberMatched:  matched,
		NumberReturned: len(feats),
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac/collections/" + id + "/items", Type: "application/geo+json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
		},
	}
	for _, f := range feats {
		doc.Features = append(doc.Features, renderItem(baseURL, id, f))
	}
	return doc, nil
}

// RenderItem builds one item document.
func (cat *Catalog) RenderItem(ctx context.Context, baseURL, id, itemID string) (ItemDoc, error) {
	f, err := cat.Item(ctx, id, itemID)
	if err != nil {
		return ItemDoc{}, err
	}
	return renderItem(baseURL, id, f), nil
}

// RenderSearch builds the cross-collection search response.
func (cat *Catalog) RenderSearch(ctx context.Context, baseURL string, p SearchParams) (ItemsDoc, error) {
	results, err := cat.Search(ctx, p)
	if err != nil {
		return ItemsDoc{}, err
	}
	doc := ItemsDoc{
		Type:           "FeatureCollection",
		Features:       make([]ItemDoc, 0, len(results)),
		NumberMatched:  len(results),
		NumberReturned: len(results),
		Links: []Link{
			{Rel: "self", Href: baseURL + "/stac/search", Type: "application/geo+json"},
			{Rel: "root", Href: baseURL + "/stac", Type: "application/json"},
		},
	}
	for _, r := range results {
		doc.Features = append(doc.Features, renderItem(baseURL, r.Collection, r.Feature))
	}
	return doc, nil
}
