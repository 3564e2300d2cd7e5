package raster

import (
	"context"

	"mapserve/internal/cogtiff"
	"mapserve/internal/geo"
)

// Info is the file-level spatial metadata served at /cog-info. Bounds and
// center are WGS84; internal bboxes stay in projected meters.
type Info struct {
	Bounds      [4]float64 `json:"bounds"`
	Center      [2]float64 `json:"center"`
	PixelSize   [2]float64 `json:"pixel_size"`
	TileSize    [2]int     `json:"tile_size"`
	Resolutions []float64  `json:"resolutions"`
	PlaneCount  int        `json:"plane_count"`
	MaskPlanes  int        `json:"mask_planes"`
	Compression string     `json:"compression"`
	Photometric string     `json:"photometric"`
}

// Info computes spatial metadata for one raster.
func (c *Compositor) Info(ctx context.Context, locator string) (*Info, error) {
	h, err := c.open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer h.release()
	f := h.file

	minX, minY, maxX, maxY := f.Bound()
	minLon, minLat := geo.MercatorToWGS84(minX, minY)
	maxLon, maxLat := geo.MercatorToWGS84(maxX, maxY)

	full := f.Color[0]
	info := &Info{
		Bounds:      [4]float64{minLon, minLat, maxLon, maxLat},
		Center:      [2]float64{(minLon + maxLon) / 2, (minLat + maxLat) / 2},
		PixelSize:   [2]float64{f.GeoTransform().ScaleX, f.GeoTransform().ScaleY},
		TileSize:    [2]int{int(full.TileWidth), int(full.TileHeight)},
		PlaneCount:  len(f.Color),
		MaskPlanes:  len(f.Mask),
		Compression: compressionName(full.Compression),
		Photometric: photometricName(full.Photometric),
	}
	for _, p := range f.Color {
		info.Resolutions = append(info.Resolutions, f.PlaneTransform(p).ScaleX)
	}
	return info, nil
}

func compressionName(c uint16) string {
	switch c {
	case cogtiff.CompressionNone:
		return "none"
	case cogtiff.CompressionLZW:
		return "lzw"
	case cogtiff.CompressionJPEG:
		return "jpeg"
	case cogtiff.CompressionDeflate, cogtiff.CompressionDeflateOld:
		return "deflate"
	}
	return "unknown"
}

func photometricName(p uint16) string {
	switch p {
	case 0:
		return "min-is-white"
	case 1:
		return "min-is-black"
	case 2:
		return "rgb"
	case 3:
		return "palette"
	case 5:
		return "separated"
	case 6:
		return "ycbcr"
	}
	return "unknown"
}
