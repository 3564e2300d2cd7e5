// Package raster composites map tiles on demand from cloud-optimized
// GeoTIFFs: overview selection, color and mask plane rendering, alpha
// recombination and output encoding.
package raster

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"sync/atomic"

	"github.com/HugoSmits86/nativewebp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mapserve/internal/cogtiff"
	"mapserve/internal/errs"
	"mapserve/internal/fetch"
	"mapserve/internal/geo"
)

// TileSize is the edge length of every composited tile.
const TileSize = 256

// DefaultCacheSize bounds the parsed-handle cache.
const DefaultCacheSize = 16

// handle pairs a parsed file with a reference count. The cache holds one
// reference and every in-flight caller holds another, so eviction cannot
// close a file a composition is still reading.
type handle struct {
	file *cogtiff.File
	refs atomic.Int32
}

func (h *handle) release() {
	if h.refs.Add(-1) == 0 {
		h.file.Close()
	}
}

// Compositor owns the handle cache and the allow-list policy. Handle
// opening is single-flight per locator; composition compute runs outside
// any lock.
type Compositor struct {
	client *fetch.Client
	policy *fetch.Policy
	size   int

	sf singleflight.Group

	mu      sync.Mutex
	handles map[string]*handle
	order   []string // FIFO eviction order, oldest first
}

// New builds a compositor with a bounded handle cache.
func New(client *fetch.Client, policy *fetch.Policy, cacheSize int) *Compositor {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Compositor{
		client:  client,
		policy:  policy,
		size:    cacheSize,
		handles: map[string]*handle{},
	}
}

// open returns the handle for locator with a reference acquired for the
// caller, checking the allow-list before any network access. The cache is
// FIFO, not LRU; fine for read-mostly access. The caller must release the
// handle when done.
func (c *Compositor) open(ctx context.Context, locator string) (*handle, error) {
	if !c.policy.Allows(locator) {
		return nil, errs.New(errs.Forbidden, "raster locator %q not in allowed origins", locator)
	}

	for {
		c.mu.Lock()
		if h, ok := c.handles[locator]; ok {
			// Handles in the map carry the cache's reference, so the
			// count cannot reach zero under us here.
			h.refs.Add(1)
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()

		_, err, _ := c.sf.Do(locator, func() (interface{}, error) {
			c.mu.Lock()
			_, ok := c.handles[locator]
			c.mu.Unlock()
			if ok {
				return nil, nil
			}

			src, err := c.client.Open(locator)
			if err != nil {
				return nil, err
			}
			f, err := cogtiff.Open(ctx, src)
			if err != nil {
				src.Close()
				return nil, err
			}

			h := &handle{file: f}
			h.refs.Store(1) // the cache's reference
			var evicted []*handle
			c.mu.Lock()
			for len(c.handles) >= c.size {
				oldest := c.order[0]
				c.order = c.order[1:]
				if old, ok := c.handles[oldest]; ok {
					delete(c.handles, oldest)
					evicted = append(evicted, old)
					log.Debugf("raster cache evicted %s", oldest)
				}
			}
			c.handles[locator] = h
			c.order = append(c.order, locator)
			c.mu.Unlock()
			// An evicted handle closes once its last holder releases it.
			for _, old := range evicted {
				old.release()
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// Acquire under the lock on the next pass; if churn already
		// evicted the fresh handle the loop just opens it again.
	}
}

// pickPlane selects the coarsest color plane that still meets the
// requested resolution; finer than needed is wasted work, coarser is
// visible quality loss.
func pickPlane(f *cogtiff.File, required float64) *cogtiff.Plane {
	pick := f.Color[0]
	pickRes := f.PlaneTransform(pick).ScaleX
	for _, p := range f.Color[1:] {
		res := f.PlaneTransform(p).ScaleX
		if res <= required*1.001 && res > pickRes {
			pick = p
			pickRes = res
		}
	}
	return pick
}

// Tile composites one output tile. format is "png" or "webp"; empty picks
// the lossless default.
func (c *Compositor) Tile(ctx context.Context, locator string, z, x, y uint32, format string) ([]byte, string, error) {
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "webp" {
		return nil, "", errs.New(errs.MalformedInput, "unsupported output format %q", format)
	}
	h, err := c.open(ctx, locator)
	if err != nil {
		return nil, "", err
	}
	defer h.release()
	f := h.file

	minX, minY, maxX, maxY := geo.TileMercatorBound(z, x, y)
	fMinX, fMinY, fMaxX, fMaxY := f.Bound()
	if maxX <= fMinX || minX >= fMaxX || maxY <= fMinY || minY >= fMaxY {
		return nil, "", errs.New(errs.NotFound, "tile %d/%d/%d outside raster extent", z, x, y)
	}

	required := (maxX - minX) / TileSize
	plane := pickPlane(f, required)
	pt := f.PlaneTransform(plane)

	// Pixel window of the tile in the selected plane.
	px0 := (minX - pt.OriginX) / pt.ScaleX
	px1 := (maxX - pt.OriginX) / pt.ScaleX
	py0 := (maxY - pt.OriginY) / pt.ScaleY
	py1 := (minY - pt.OriginY) / pt.ScaleY

	colorBuf, err := f.DecodeRegion(ctx, plane, px0, py0, px1, py1, TileSize, TileSize)
	if err != nil {
		return nil, "", err
	}

	var alpha []byte
	if mask := f.MaskFor(plane); mask != nil {
		if mask.SamplesPerPix != 1 {
			return nil, "", errs.New(errs.MalformedInput, "mask plane has %d channels", mask.SamplesPerPix)
		}
		alpha, err = f.DecodeRegion(ctx, mask, px0, py0, px1, py1, TileSize, TileSize)
		if err != nil {
			return nil, "", err
		}
	}

	img := compose(colorBuf, alpha, plane.SamplesPerPix)

	var buf bytes.Buffer
	switch format {
	case "webp":
		if err := nativewebp.Encode(&buf, img, nil); err != nil {
			return nil, "", errs.Wrap(errs.Unknown, err)
		}
		return buf.Bytes(), "image/webp", nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", errs.Wrap(errs.Unknown, err)
		}
		return buf.Bytes(), "image/png", nil
	}
}

// compose folds the mask render's opacity channel in as the color
// render's alpha channel. Without a mask the color samples render
// directly (an RGBA plane keeps its own alpha).
func compose(colorBuf, alpha []byte, spp int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	for i := 0; i < TileSize*TileSize; i++ {
		var r, g, b, a uint8
		switch spp {
		case 1:
			r, g, b, a = colorBuf[i], colorBuf[i], colorBuf[i], 255
		case 2:
			r, g, b, a = colorBuf[i*2], colorBuf[i*2], colorBuf[i*2], colorBuf[i*2+1]
		case 3:
			r, g, b, a = colorBuf[i*3], colorBuf[i*3+1], colorBuf[i*3+2], 255
		default:
			r, g, b, a = colorBuf[i*spp], colorBuf[i*spp+1], colorBuf[i*spp+2], colorBuf[i*spp+3]
		}
		if alpha != nil {
			a = alpha[i]
		}
		o := i * 4
		img.Pix[o] = r
		img.Pix[o+1] = g
		img.Pix[o+2] = b
		img.Pix[o+3] = a
	}
	return img
}
