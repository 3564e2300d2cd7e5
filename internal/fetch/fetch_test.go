package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapserve/internal/errs"
)

// rangeServer serves payload with working Range support.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRangerReadRange(t *testing.T) {
	payload := []byte("0123456789abcdef")
	srv := rangeServer(t, payload)

	c := NewClient(0)
	rgr, err := c.Open(srv.URL + "/blob.bin")
	require.NoError(t, err)
	defer rgr.Close()

	got, err := rgr.ReadRange(context.Background(), 4, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), got)
}

func TestHTTPRangerIgnoredRange(t *testing.T) {
	// A server that always replies 200 with the full body.
	payload := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(0)
	rgr, err := c.Open(srv.URL)
	require.NoError(t, err)

	got, err := rgr.ReadRange(context.Background(), 10, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)
}

func TestReadAllStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errs.Kind
	}{
		{http.StatusNotFound, errs.NotFound},
		{http.StatusForbidden, errs.Forbidden},
		{http.StatusUnauthorized, errs.Forbidden},
		{http.StatusBadGateway, errs.ResourceUnavailable},
		{http.StatusInternalServerError, errs.ResourceUnavailable},
	}
	for _, cse := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(cse.status)
		}))
		c := NewClient(0)
		_, err := c.ReadAll(context.Background(), srv.URL)
		assert.True(t, errs.Is(err, cse.kind), "status %d: got %v", cse.status, err)
		srv.Close()
	}
}

func TestFileRanger(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o644))

	c := NewClient(0)
	rgr, err := c.Open(p)
	require.NoError(t, err)
	defer rgr.Close()

	got, err := rgr.ReadRange(context.Background(), 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	// short read past the end
	got, err = rgr.ReadRange(context.Background(), 6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	_, err = c.Open(filepath.Join(dir, "nope.bin"))
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSplitGS(t *testing.T) {
	b, o, err := splitGS("gs://bucket/path/to/file.pmtiles")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "path/to/file.pmtiles", o)

	_, _, err = splitGS("gs://bucketonly")
	assert.Error(t, err)
}

func TestResolveRelative(t *testing.T) {
	cases := []struct {
		base, key, want string
	}{
		{"https://x.com/a/mosaic.json", "shard.pmtiles", "https://x.com/a/shard.pmtiles"},
		{"https://x.com/a/b/mosaic.json", "../up.pmtiles", "https://x.com/a/up.pmtiles"},
		{"gs://bkt/a/mosaic.json", "shard.pmtiles", "gs://bkt/a/shard.pmtiles"},
		{"/data/a/mosaic.json", "shard.pmtiles", "/data/a/shard.pmtiles"},
		{"/data/a/mosaic.json", "https://abs.com/s.pmtiles", "https://abs.com/s.pmtiles"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ResolveRelative(c.base, c.key), "%s + %s", c.base, c.key)
	}
}
