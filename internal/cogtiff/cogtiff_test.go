package cogtiff

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapserve/internal/cogtiff/cogtifftest"
	"mapserve/internal/errs"
	"mapserve/internal/fetch"
)

func TestUnpackBilevel(t *testing.T) {
	got := UnpackBilevel([]byte{0b10110000}, 8, 1)
	assert.Equal(t, []byte{255, 0, 255, 255, 0, 0, 0, 0}, got)

	// rows are padded to whole bytes
	got = UnpackBilevel([]byte{0b10000000, 0b01000000}, 3, 2)
	assert.Equal(t, []byte{255, 0, 0, 0, 255, 0}, got)

	// short input leaves the remainder zero instead of panicking
	got = UnpackBilevel([]byte{0xFF}, 8, 2)
	assert.Equal(t, []byte{255, 255, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0, 0, 0, 0, 0}, got)
}

func TestApplyPredictor(t *testing.T) {
	p := &Plane{
		TileWidth:     4,
		TileHeight:    1,
		SamplesPerPix: 1,
		BitsPerSample: []uint64{8},
		Predictor:     2,
	}
	got := applyPredictor(p, []byte{10, 1, 2, 3})
	assert.Equal(t, []byte{10, 11, 13, 16}, got)

	// interleaved samples difference per channel
	p3 := &Plane{
		TileWidth:     2,
		TileHeight:    1,
		SamplesPerPix: 3,
		BitsPerSample: []uint64{8, 8, 8},
		Predictor:     2,
	}
	got = applyPredictor(p3, []byte{10, 20, 30, 1, 2, 3})
	assert.Equal(t, []byte{10, 20, 30, 11, 22, 33}, got)

	// predictor 1 is a no-op
	p.Predictor = 1
	got = applyPredictor(p, []byte{10, 1, 2, 3})
	assert.Equal(t, []byte{10, 1, 2, 3}, got)
}

// grayFixture is a 32x32 gray COG with 16x16 tiles, one sparse tile, a
// matching 1-bit mask plane and a 10m pixel at origin (100, 200100).
func grayFixture(t *testing.T) []byte {
	maskTile := make([]byte, 16*16/8) // only the first row set
	maskTile[0] = 0xFF
	maskTile[1] = 0xFF
	return cogtifftest.Build(t, []cogtifftest.Plane{
		{
			Subfile: 0, Width: 32, Height: 32, TileW: 16, TileH: 16,
			Bits: 8, Spp: 1,
			Tiles: [][]byte{
				cogtifftest.Fill(256, 10), cogtifftest.Fill(256, 20),
				cogtifftest.Fill(256, 30), nil, // bottom-right is sparse
			},
			PixelScale: []float64{10, 10, 0},
			Tiepoint:   []float64{0, 0, 0, 100, 200100, 0},
		},
		{
			Subfile: 4, Width: 32, Height: 32, TileW: 16, TileH: 16,
			Bits: 1, Spp: 1,
			Tiles: [][]byte{maskTile, maskTile, maskTile, maskTile},
		},
	})
}

func openFixture(t *testing.T, raw []byte) *File {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fixture.tif")
	require.NoError(t, os.WriteFile(p, raw, 0o644))
	src, err := fetch.NewClient(0).Open(p)
	require.NoError(t, err)
	f, err := Open(context.Background(), src)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpenClassifiesPlanes(t *testing.T) {
	f := openFixture(t, grayFixture(t))

	require.Len(t, f.Color, 1)
	require.Len(t, f.Mask, 1)
	assert.Equal(t, uint32(32), f.Color[0].Width)
	assert.False(t, f.Color[0].Mask())
	assert.True(t, f.Mask[0].Mask())
	assert.Equal(t, 1, f.Mask[0].Bits())
	assert.Same(t, f.Mask[0], f.MaskFor(f.Color[0]))

	gt := f.GeoTransform()
	assert.Equal(t, 100.0, gt.OriginX)
	assert.Equal(t, 200100.0, gt.OriginY)
	assert.Equal(t, 10.0, gt.ScaleX)
	assert.Equal(t, -10.0, gt.ScaleY)

	minX, minY, maxX, maxY := f.Bound()
	assert.Equal(t, 100.0, minX)
	assert.Equal(t, 200100.0, maxY)
	assert.Equal(t, 100.0+320, maxX)
	assert.Equal(t, 200100.0-320, minY)
}

func TestTileSamples(t *testing.T) {
	f := openFixture(t, grayFixture(t))
	p := f.Color[0]

	b, err := f.TileSamples(context.Background(), p, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, cogtifftest.Fill(256, 10), b)

	b, err = f.TileSamples(context.Background(), p, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, b, "sparse tile decodes to nil")

	_, err = f.TileSamples(context.Background(), p, 2, 0)
	assert.True(t, errs.Is(err, errs.MalformedInput))
}

func TestDecodeRegion(t *testing.T) {
	f := openFixture(t, grayFixture(t))
	p := f.Color[0]

	// full plane at native resolution
	out, err := f.DecodeRegion(context.Background(), p, 0, 0, 32, 32, 32, 32)
	require.NoError(t, err)
	assert.Equal(t, byte(10), out[0])        // top-left tile
	assert.Equal(t, byte(20), out[31])       // top-right tile
	assert.Equal(t, byte(30), out[31*32])    // bottom-left tile
	assert.Equal(t, byte(0), out[31*32+31])  // sparse stays zero
	assert.Equal(t, byte(10), out[15*32+15]) // interior of tile 0,0

	// downsampled 2x
	out, err = f.DecodeRegion(context.Background(), p, 0, 0, 32, 32, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(10), out[0])
	assert.Equal(t, byte(20), out[15])

	// window hanging past the plane edge stays zero outside
	out, err = f.DecodeRegion(context.Background(), p, 24, 24, 40, 40, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(0), out[0])       // inside the sparse tile
	assert.Equal(t, byte(0), out[16*16-1]) // outside the plane
}

func TestDecodeRegionMask(t *testing.T) {
	f := openFixture(t, grayFixture(t))
	m := f.MaskFor(f.Color[0])
	require.NotNil(t, m)

	out, err := f.DecodeRegion(context.Background(), m, 0, 0, 32, 32, 32, 32)
	require.NoError(t, err)
	// first row of each 16x16 mask tile is opaque
	assert.Equal(t, byte(255), out[0])
	assert.Equal(t, byte(255), out[16]) // row 0 of the right tile
	assert.Equal(t, byte(0), out[32])   // row 1 clear
}

func TestDecodeRegionRejectsOddDepth(t *testing.T) {
	f := openFixture(t, grayFixture(t))
	p := &Plane{
		Width: 32, Height: 32, TileWidth: 16, TileHeight: 16,
		SamplesPerPix: 1, BitsPerSample: []uint64{4},
	}
	_, err := f.DecodeRegion(context.Background(), p, 0, 0, 32, 32, 8, 8)
	assert.True(t, errs.Is(err, errs.MalformedInput))
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "junk.tif")
	require.NoError(t, os.WriteFile(p, []byte("XXjunkjunkjunkjunk"), 0o644))
	src, err := fetch.NewClient(0).Open(p)
	require.NoError(t, err)
	defer src.Close()

	_, err = Open(context.Background(), src)
	assert.True(t, errs.Is(err, errs.MalformedInput))
}
