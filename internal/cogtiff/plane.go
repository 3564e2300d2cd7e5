package cogtiff

import (
	"context"

	"mapserve/internal/errs"
)

// Compression codes this reader understands.
const (
	CompressionNone    = 1
	CompressionLZW     = 5
	CompressionJPEG    = 7
	CompressionDeflate = 8
	// 32946 is the old-style deflate code some writers still emit.
	CompressionDeflateOld = 32946
)

// Plane is one internal image level of a GeoTIFF, tagged color or mask by
// the sub-image-type flag. Mask planes borrow geo-referencing from the
// matching-resolution color plane.
type Plane struct {
	SubfileType    uint64
	Width, Height  uint32
	TileWidth      uint32
	TileHeight     uint32
	BitsPerSample  []uint64
	SamplesPerPix  int
	Compression    uint16
	Photometric    uint16
	Predictor      uint16
	TileOffsets    []uint64
	TileByteCounts []uint64
	JPEGTables     []byte

	PixelScale     []float64
	Tiepoint       []float64
	ModelTransform []float64
}

// Mask reports whether the plane is a transparency mask.
func (p *Plane) Mask() bool { return p.SubfileType&subfileMaskBit != 0 }

// Bits returns the per-sample bit depth (all samples share it here).
func (p *Plane) Bits() int {
	if len(p.BitsPerSample) == 0 {
		return 1 // TIFF default for bilevel data
	}
	return int(p.BitsPerSample[0])
}

// TilesAcross returns the internal tile grid width.
func (p *Plane) TilesAcross() int {
	return int((p.Width + p.TileWidth - 1) / p.TileWidth)
}

// TilesDown returns the internal tile grid height.
func (p *Plane) TilesDown() int {
	return int((p.Height + p.TileHeight - 1) / p.TileHeight)
}

func (f *File) buildPlane(ctx context.Context, entries []ifdEntry) (*Plane, error) {
	p := &Plane{SamplesPerPix: 1, Compression: CompressionNone, Predictor: 1}
	for _, e := range entries {
		switch e.tag {
		case tagNewSubfileType:
			v, err := f.entryUints(ctx, e)
			if err != nil {
				return nil, err
			}
			p.SubfileType = v[0]
		case tagImageWidth, tagImageLength, tagTileWidth, tagTileLength,
			tagCompression, tagPhotometric, tagSamplesPerPixel, tagPredictor:
			v, err := f.entryUints(ctx, e)
			if err != nil {
				return nil, err
			}
			switch e.tag {
			case tagImageWidth:
				p.Width = uint32(v[0])
			case tagImageLength:
				p.Height = uint32(v[0])
			case tagTileWidth:
				p.TileWidth = uint32(v[0])
			case tagTileLength:
				p.TileHeight = uint32(v[0])
			case tagCompression:
				p.Compression = uint16(v[0])
			case tagPhotometric:
				p.Photometric = uint16(v[0])
			case tagSamplesPerPixel:
				p.SamplesPerPix = int(v[0])
			case tagPredictor:
				p.Predictor = uint16(v[0])
			}
		case tagBitsPerSample:
			v, err := f.entryUints(ctx, e)
			if err != nil {
				return nil, err
			}
			p.BitsPerSample = v
		case tagTileOffsets:
			v, err := f.entryUints(ctx, e)
			if err != nil {
				return nil, err
			}
			p.TileOffsets = v
		case tagTileByteCounts:
			v, err := f.entryUints(ctx, e)
			if err != nil {
				return nil, err
			}
			p.TileByteCounts = v
		case tagJPEGTables:
			data, err := f.entryData(ctx, e)
			if err != nil {
				return nil, err
			}
			p.JPEGTables = append([]byte(nil), data...)
		case tagPixelScale:
			v, err := f.entryFloats(ctx, e)
			if err != nil {
				return nil, err
			}
			p.PixelScale = v
		case tagTiepoint:
			v, err := f.entryFloats(ctx, e)
			if err != nil {
				return nil, err
			}
			p.Tiepoint = v
		case tagModelTransform:
			v, err := f.entryFloats(ctx, e)
			if err != nil {
				return nil, err
			}
			p.ModelTransform = v
		}
	}
	if p.Width == 0 || p.Height == 0 {
		return nil, errs.New(errs.MalformedInput, "tiff: plane missing dimensions")
	}
	if p.TileWidth == 0 || p.TileHeight == 0 {
		return nil, errs.New(errs.MalformedInput, "tiff: plane is not tiled; only cloud-optimized layouts are served")
	}
	if len(p.TileOffsets) == 0 || len(p.TileOffsets) != len(p.TileByteCounts) {
		return nil, errs.New(errs.MalformedInput, "tiff: plane has inconsistent tile tables")
	}
	return p, nil
}

// GeoTransform maps pixel coordinates to projected meters.
type GeoTransform struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64 // negative: rows run north to south
}

// deriveGeoTransform prefers the pixel-scale/tie-point tag pair and falls
// back to a model transformation matrix when a writer used that instead.
func (f *File) deriveGeoTransform() error {
	full := f.Color[0]
	if len(full.PixelScale) >= 2 && len(full.Tiepoint) >= 6 {
		f.gt = GeoTransform{
			OriginX: full.Tiepoint[3] - full.Tiepoint[0]*full.PixelScale[0],
			OriginY: full.Tiepoint[4] + full.Tiepoint[1]*full.PixelScale[1],
			ScaleX:  full.PixelScale[0],
			ScaleY:  -full.PixelScale[1],
		}
		return nil
	}
	if len(full.ModelTransform) >= 16 {
		m := full.ModelTransform
		f.gt = GeoTransform{OriginX: m[3], OriginY: m[7], ScaleX: m[0], ScaleY: m[5]}
		return nil
	}
	return errs.New(errs.MalformedInput, "tiff: no geotransform (pixel scale / tie point / model transform all absent)")
}

// PlaneTransform scales the file transform to one plane's resolution.
func (f *File) PlaneTransform(p *Plane) GeoTransform {
	full := f.Color[0]
	return GeoTransform{
		OriginX: f.gt.OriginX,
		OriginY: f.gt.OriginY,
		ScaleX:  f.gt.ScaleX * float64(full.Width) / float64(p.Width),
		ScaleY:  f.gt.ScaleY * float64(full.Height) / float64(p.Height),
	}
}

// Bound returns the file bounds in projected meters.
func (f *File) Bound() (minX, minY, maxX, maxY float64) {
	full := f.Color[0]
	minX = f.gt.OriginX
	maxY = f.gt.OriginY
	maxX = minX + float64(full.Width)*f.gt.ScaleX
	minY = maxY + float64(full.Height)*f.gt.ScaleY
	return
}

// MaskFor pairs a mask plane with a color plane by pixel dimensions.
// A missing pairing when masks exist at other sizes is a format defect the
// compositor treats as "no mask for this level".
func (f *File) MaskFor(p *Plane) *Plane {
	for _, m := range f.Mask {
		if m.Width == p.Width && m.Height == p.Height {
			return m
		}
	}
	return nil
}
