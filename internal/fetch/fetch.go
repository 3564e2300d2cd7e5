// Package fetch reads remote and local map containers. It speaks http(s),
// gs:// buckets and bare filesystem paths behind one Ranger interface so
// the format readers never care where their bytes live.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"

	"mapserve/internal/errs"
)

// Ranger reads byte ranges out of one container.
type Ranger interface {
	// ReadRange returns exactly n bytes starting at off, or fewer when the
	// range runs past the end of the container.
	ReadRange(ctx context.Context, off, n int64) ([]byte, error)
	Close() error
}

// Client hands out Rangers. The GCS client is built on first use; plain
// http requests share one pooled transport.
type Client struct {
	hc      *http.Client
	timeout time.Duration

	mu  sync.Mutex
	gcs *storage.Client
}

// NewClient bounds every outbound fetch with timeout. There is no caller
// cancellation contract, so expiry is treated as retryable.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		hc:      &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *Client) gcsClient(ctx context.Context) (*storage.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gcs != nil {
		return c.gcs, nil
	}
	cl, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	c.gcs = cl
	return cl, nil
}

// Open returns a Ranger for locator. http(s) uses range requests, gs://
// uses bucket range readers, anything else is treated as a local path.
func (c *Client) Open(locator string) (Ranger, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return &httpRanger{c: c, url: locator}, nil
	case strings.HasPrefix(locator, "gs://"):
		bucket, object, err := splitGS(locator)
		if err != nil {
			return nil, err
		}
		return &gcsRanger{c: c, bucket: bucket, object: object}, nil
	default:
		f, err := os.Open(locator)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errs.Wrap(errs.NotFound, err)
			}
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		return &fileRanger{f: f}, nil
	}
}

// ReadAll fetches the whole container behind locator.
func (c *Client) ReadAll(ctx context.Context, locator string) ([]byte, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedInput, err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		defer resp.Body.Close()
		if err := statusError(locator, resp.StatusCode); err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		return body, nil
	case strings.HasPrefix(locator, "gs://"):
		bucket, object, err := splitGS(locator)
		if err != nil {
			return nil, err
		}
		cl, err := c.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		rc, err := cl.Bucket(bucket).Object(object).NewReader(rctx)
		if err != nil {
			if err == storage.ErrObjectNotExist {
				return nil, errs.Wrap(errs.NotFound, err)
			}
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		defer rc.Close()
		body, err := io.ReadAll(rc)
		if err != nil {
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		return body, nil
	default:
		body, err := os.ReadFile(locator)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errs.Wrap(errs.NotFound, err)
			}
			return nil, errs.Wrap(errs.ResourceUnavailable, err)
		}
		return body, nil
	}
}

func statusError(locator string, code int) error {
	switch {
	case code == http.StatusOK, code == http.StatusPartialContent:
		return nil
	case code == http.StatusNotFound, code == http.StatusRequestedRangeNotSatisfiable:
		return errs.New(errs.NotFound, "fetch %s: status %d", locator, code)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return errs.New(errs.Forbidden, "fetch %s: status %d", locator, code)
	default:
		return errs.New(errs.ResourceUnavailable, "fetch %s: status %d", locator, code)
	}
}

func splitGS(locator string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(locator, "gs://")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", errs.New(errs.MalformedInput, "bad gs locator %q", locator)
	}
	return rest[:i], rest[i+1:], nil
}

type httpRanger struct {
	c   *Client
	url string
}

func (r *httpRanger) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	resp, err := r.c.hc.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	defer resp.Body.Close()
	if err := statusError(r.url, resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	if resp.StatusCode == http.StatusOK && off > 0 {
		// Server ignored the Range header and replied with the whole
		// container; cut the window out instead of failing.
		if int64(len(body)) <= off {
			return nil, errs.New(errs.MalformedInput, "fetch %s: range %d+%d past end", r.url, off, n)
		}
		end := off + n
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		return body[off:end], nil
	}
	return body, nil
}

func (r *httpRanger) Close() error { return nil }

type gcsRanger struct {
	c      *Client
	bucket string
	object string
}

func (r *gcsRanger) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	cl, err := r.c.gcsClient(ctx)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, r.c.timeout)
	defer cancel()
	rc, err := cl.Bucket(r.bucket).Object(r.object).NewRangeReader(rctx, off, n)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, errs.Wrap(errs.NotFound, err)
		}
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	return body, nil
}

func (r *gcsRanger) Close() error { return nil }

type fileRanger struct {
	f *os.File
}

func (r *fileRanger) ReadRange(_ context.Context, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.ResourceUnavailable, err)
	}
	return buf[:read], nil
}

func (r *fileRanger) Close() error { return r.f.Close() }

// ResolveRelative resolves key against the directory of base. Mosaic
// descriptors reference their shards this way.
func ResolveRelative(base, key string) string {
	if strings.Contains(key, "://") {
		return key
	}
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		u, err := url.Parse(base)
		if err != nil {
			return key
		}
		u.Path = path.Join(path.Dir(u.Path), key)
		u.RawQuery = ""
		return u.String()
	}
	if strings.HasPrefix(base, "gs://") {
		return "gs://" + path.Join(path.Dir(strings.TrimPrefix(base, "gs://")), key)
	}
	return filepath.Join(filepath.Dir(base), key)
}
