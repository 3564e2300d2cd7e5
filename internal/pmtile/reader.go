package pmtile

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"

	"mapserve/internal/errs"
	"mapserve/internal/fetch"
)

// maxDirDepth bounds the root -> leaf chain. The format never nests
// directories deeper than this.
const maxDirDepth = 3

// Reader serves tile lookups out of one archive.
type Reader struct {
	src    fetch.Ranger
	header Header
}

// Open reads and validates the archive header.
func Open(ctx context.Context, src fetch.Ranger) (*Reader, error) {
	b, err := src.ReadRange(ctx, 0, HeaderLen)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, header: h}, nil
}

// Header returns the decoded archive header.
func (r *Reader) Header() Header { return r.header }

// Close releases the underlying ranger.
func (r *Reader) Close() error { return r.src.Close() }

func (r *Reader) decompress(b []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, CompressionUnknown:
		return b, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		return out, nil
	default:
		return nil, errs.New(errs.MalformedInput, "unsupported archive compression %s", c)
	}
}

func (r *Reader) directory(ctx context.Context, off, length uint64) ([]Entry, error) {
	b, err := r.src.ReadRange(ctx, int64(off), int64(length))
	if err != nil {
		return nil, err
	}
	raw, err := r.decompress(b, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(raw)
}

// Tile returns the stored bytes for z/x/y. A miss is a NotFound error, the
// normal negative result for coordinates the archive does not cover.
func (r *Reader) Tile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	if z < r.header.MinZoom || z > r.header.MaxZoom {
		return nil, errs.New(errs.NotFound, "zoom %d outside archive range %d-%d", z, r.header.MinZoom, r.header.MaxZoom)
	}
	id := TileID(z, x, y)
	off, length := r.header.RootOffset, r.header.RootLength
	for depth := 0; depth < maxDirDepth; depth++ {
		entries, err := r.directory(ctx, off, length)
		if err != nil {
			return nil, err
		}
		e, ok := FindEntry(entries, id)
		if !ok {
			return nil, errs.New(errs.NotFound, "tile %d/%d/%d not in archive", z, x, y)
		}
		if e.RunLength == 0 {
			// Leaf directory pointer; descend.
			off = r.header.LeafOffset + e.Offset
			length = uint64(e.Length)
			continue
		}
		b, err := r.src.ReadRange(ctx, int64(r.header.TileDataOffset+e.Offset), int64(e.Length))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errs.New(errs.MalformedInput, "directory nesting exceeds %d levels", maxDirDepth)
}

// Metadata decodes the archive's embedded JSON metadata document.
func (r *Reader) Metadata(ctx context.Context) (map[string]interface{}, error) {
	meta := map[string]interface{}{}
	if r.header.MetadataLength == 0 {
		return meta, nil
	}
	b, err := r.src.ReadRange(ctx, int64(r.header.MetadataOffset), int64(r.header.MetadataLength))
	if err != nil {
		return nil, err
	}
	raw, err := r.decompress(b, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.New(errs.MalformedInput, "archive metadata: %v", err)
	}
	return meta, nil
}
