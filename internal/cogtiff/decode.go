package cogtiff

import (
	"bytes"
	"compress/lzw"
	"context"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"

	"mapserve/internal/errs"
)

// TileSamples fetches and decodes one internal tile, returning raw sample
// bytes: SamplesPerPix interleaved 8-bit samples per pixel, or packed rows
// when Bits() is 1. Empty sparse tiles come back as nil.
func (f *File) TileSamples(ctx context.Context, p *Plane, col, row int) ([]byte, error) {
	if col < 0 || row < 0 || col >= p.TilesAcross() || row >= p.TilesDown() {
		return nil, errs.New(errs.MalformedInput, "tiff: tile %d,%d outside plane grid", col, row)
	}
	idx := row*p.TilesAcross() + col
	if idx >= len(p.TileOffsets) {
		return nil, errs.New(errs.MalformedInput, "tiff: tile index %d past offset table", idx)
	}
	count := p.TileByteCounts[idx]
	if count == 0 {
		return nil, nil // sparse tile
	}
	raw, err := f.src.read(ctx, int64(p.TileOffsets[idx]), int64(count))
	if err != nil {
		return nil, err
	}

	switch p.Compression {
	case CompressionNone:
		return raw, nil
	case CompressionDeflate, CompressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		return applyPredictor(p, out), nil
	case CompressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		out, err := io.ReadAll(lr)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		return applyPredictor(p, out), nil
	case CompressionJPEG:
		return f.decodeJPEGTile(p, raw)
	default:
		return nil, errs.New(errs.MalformedInput, "tiff: unsupported compression %d", p.Compression)
	}
}

// applyPredictor undoes horizontal differencing for 8-bit samples.
func applyPredictor(p *Plane, data []byte) []byte {
	if p.Predictor != 2 || p.Bits() != 8 {
		return data
	}
	stride := int(p.TileWidth) * p.SamplesPerPix
	spp := p.SamplesPerPix
	for rowStart := 0; rowStart+stride <= len(data); rowStart += stride {
		row := data[rowStart : rowStart+stride]
		for i := spp; i < len(row); i++ {
			row[i] += row[i-spp]
		}
	}
	return data
}

// decodeJPEGTile decodes an abbreviated JPEG stream, splicing in the
// file-level JPEGTables segment, and repacks the pixels as interleaved
// 8-bit samples.
func (f *File) decodeJPEGTile(p *Plane, raw []byte) ([]byte, error) {
	stream := raw
	if len(p.JPEGTables) > 4 && len(raw) > 2 {
		// Tables end with EOI and the fragment starts with SOI; drop both
		// so the result is one continuous stream.
		merged := make([]byte, 0, len(p.JPEGTables)+len(raw)-4)
		merged = append(merged, p.JPEGTables[:len(p.JPEGTables)-2]...)
		merged = append(merged, raw[2:]...)
		stream = merged
	}
	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err)
	}

	w, h := int(p.TileWidth), int(p.TileHeight)
	b := img.Bounds()
	if b.Dx() < w {
		w = b.Dx()
	}
	if b.Dy() < h {
		h = b.Dy()
	}
	out := make([]byte, int(p.TileWidth)*int(p.TileHeight)*p.SamplesPerPix)
	switch p.SamplesPerPix {
	case 1:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out[y*int(p.TileWidth)+x] = uint8(g >> 8)
			}
		}
	case 3, 4:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				o := (y*int(p.TileWidth) + x) * p.SamplesPerPix
				out[o] = uint8(r >> 8)
				out[o+1] = uint8(g >> 8)
				out[o+2] = uint8(bl >> 8)
				if p.SamplesPerPix == 4 {
					out[o+3] = uint8(a >> 8)
				}
			}
		}
	default:
		return nil, errs.New(errs.MalformedInput, "tiff: jpeg plane with %d samples", p.SamplesPerPix)
	}
	return out, nil
}

// UnpackBilevel expands a packed 1-bit-per-pixel buffer (MSB first, rows
// padded to whole bytes) into an 8-bit buffer where a set bit becomes 255
// and a clear bit 0.
func UnpackBilevel(packed []byte, width, height int) []byte {
	out := make([]byte, width*height)
	stride := (width + 7) / 8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*stride + x/8
			if idx >= len(packed) {
				return out
			}
			if packed[idx]&(0x80>>uint(x%8)) != 0 {
				out[y*width+x] = 255
			}
		}
	}
	return out
}

// DecodeRegion renders the requested pixel window of a plane into an
// 8-bit interleaved buffer with the plane's sample count, resampling
// nearest-neighbor to outW x outH. Pixels outside the plane stay zero.
// 1-bit planes are unpacked to 8-bit opacity at fragment load; any other
// depth below 8 bits is a format error.
func (f *File) DecodeRegion(ctx context.Context, p *Plane, x0, y0, x1, y1 float64, outW, outH int) ([]byte, error) {
	spp := p.SamplesPerPix
	out := make([]byte, outW*outH*spp)

	bits := p.Bits()
	if bits != 8 && bits != 1 {
		return nil, errs.New(errs.MalformedInput, "tiff: unsupported bit depth %d", bits)
	}
	if bits == 1 && spp != 1 {
		return nil, errs.New(errs.MalformedInput, "tiff: bilevel plane with %d samples", spp)
	}

	type fragKey struct{ col, row int }
	frags := map[fragKey][]byte{}

	for oy := 0; oy < outH; oy++ {
		srcYf := y0 + (float64(oy)+0.5)*(y1-y0)/float64(outH)
		srcY := int(srcYf)
		if srcY < 0 || srcY >= int(p.Height) {
			continue
		}
		trow := srcY / int(p.TileHeight)
		iy := srcY % int(p.TileHeight)
		for ox := 0; ox < outW; ox++ {
			srcXf := x0 + (float64(ox)+0.5)*(x1-x0)/float64(outW)
			srcX := int(srcXf)
			if srcX < 0 || srcX >= int(p.Width) {
				continue
			}
			tcol := srcX / int(p.TileWidth)
			ix := srcX % int(p.TileWidth)

			key := fragKey{tcol, trow}
			frag, ok := frags[key]
			if !ok {
				var err error
				frag, err = f.TileSamples(ctx, p, tcol, trow)
				if err != nil {
					return nil, err
				}
				if frag != nil && bits == 1 {
					frag = UnpackBilevel(frag, int(p.TileWidth), int(p.TileHeight))
				}
				frags[key] = frag
			}
			if frag == nil {
				continue // sparse tile stays transparent/black
			}
			src := (iy*int(p.TileWidth) + ix) * spp
			o := (oy*outW + ox) * spp
			if src+spp <= len(frag) {
				copy(out[o:o+spp], frag[src:src+spp])
			}
		}
	}
	return out, nil
}
