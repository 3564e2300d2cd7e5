// Package geo holds the coordinate plumbing shared by the resolvers:
// fixed-point degree scaling, slippy-map tile bounds and spherical
// web-mercator conversion.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// E7Scale is the fixed-point scale for storing degrees as integers.
// Bounding-box comparisons always happen at this scale so repeated
// float comparisons cannot drift.
const E7Scale = 10000000

// EarthRadius is the WGS84 spherical radius used by web mercator, meters.
const EarthRadius = 6378137.0

// MercatorExtent is the half-width of the web-mercator plane in meters.
const MercatorExtent = math.Pi * EarthRadius

// ToE7 encodes a degree value at x1e7 fixed point.
func ToE7(deg float64) int32 {
	return int32(math.Round(deg * E7Scale))
}

// FromE7 decodes a x1e7 fixed-point value back to degrees.
func FromE7(v int32) float64 {
	return float64(v) / E7Scale
}

// BoundE7 is a WGS84 bounding box at x1e7 fixed point. Keeping the scaled
// representation all the way to the comparison site guards against mixing
// scaled and unscaled values.
type BoundE7 struct {
	MinLon, MinLat, MaxLon, MaxLat int32
}

// Contains reports whether b fully contains o. All four edges must hold;
// partial overlap is deliberately a non-match.
func (b BoundE7) Contains(o BoundE7) bool {
	return o.MinLon >= b.MinLon && o.MaxLon <= b.MaxLon &&
		o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat
}

// Union widens b to cover o componentwise.
func (b BoundE7) Union(o BoundE7) BoundE7 {
	if o.MinLon < b.MinLon {
		b.MinLon = o.MinLon
	}
	if o.MinLat < b.MinLat {
		b.MinLat = o.MinLat
	}
	if o.MaxLon > b.MaxLon {
		b.MaxLon = o.MaxLon
	}
	if o.MaxLat > b.MaxLat {
		b.MaxLat = o.MaxLat
	}
	return b
}

// Bound descales to an orb.Bound in degrees.
func (b BoundE7) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{FromE7(b.MinLon), FromE7(b.MinLat)},
		Max: orb.Point{FromE7(b.MaxLon), FromE7(b.MaxLat)},
	}
}

// BoundToE7 scales an orb.Bound into fixed point.
func BoundToE7(b orb.Bound) BoundE7 {
	return BoundE7{
		MinLon: ToE7(b.Min[0]),
		MinLat: ToE7(b.Min[1]),
		MaxLon: ToE7(b.Max[0]),
		MaxLat: ToE7(b.Max[1]),
	}
}

// TileBound returns the WGS84 bounding box of a slippy-map tile.
func TileBound(z, x, y uint32) orb.Bound {
	return maptile.New(x, y, maptile.Zoom(z)).Bound()
}

// TileBoundE7 returns the tile bound already scaled to fixed point.
func TileBoundE7(z, x, y uint32) BoundE7 {
	return BoundToE7(TileBound(z, x, y))
}

// ValidTile reports whether x and y lie inside the zoom level's grid.
func ValidTile(z, x, y uint32) bool {
	if z > 30 {
		return false
	}
	n := uint32(1) << z
	return x < n && y < n
}

// TileMercatorBound returns the EPSG:3857 bounds of a tile in meters.
func TileMercatorBound(z, x, y uint32) (minX, minY, maxX, maxY float64) {
	span := 2 * MercatorExtent / float64(uint64(1)<<z)
	minX = -MercatorExtent + float64(x)*span
	maxX = minX + span
	maxY = MercatorExtent - float64(y)*span
	minY = maxY - span
	return
}

// MercatorToWGS84 inverts spherical web mercator meters to lon/lat degrees.
func MercatorToWGS84(x, y float64) (lon, lat float64) {
	lon = x / EarthRadius * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/EarthRadius)) - math.Pi/2) * 180 / math.Pi
	return
}
