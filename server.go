package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"mapserve/internal/catalog"
	"mapserve/internal/errs"
	"mapserve/internal/geo"
	"mapserve/internal/raster"
)

type server struct {
	registry   *Registry
	compositor *raster.Compositor
	catalog    *catalog.Catalog
}

func newServer(reg *Registry, comp *raster.Compositor, cat *catalog.Catalog) *server {
	return &server{registry: reg, compositor: comp, catalog: cat}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/", s.handleIndex)

	r.Get("/cog-tiles/{z}/{x}/{y}", s.handleCOGTile)
	r.Get("/cog-info", s.handleCOGInfo)

	if s.catalog != nil {
		r.Get("/stac", s.handleStacRoot)
		r.Get("/stac/collections", s.handleStacCollections)
		r.Get("/stac/collections/{collection}", s.handleStacCollection)
		r.Get("/stac/collections/{collection}/items", s.handleStacItems)
		r.Get("/stac/collections/{collection}/items/{item}", s.handleStacItem)
		r.Get("/stac/search", s.handleStacSearch)
		r.Post("/stac/search", s.handleStacSearchPost)
	}

	r.Get("/{source}/tiles.json", s.handleTileJSON)
	r.Get("/{source}/{z}/{x}/{y}.{ext}", s.handleTile)
	return r
}

// requestLogger tags each request with a short id so concurrent tile
// fetches can be told apart in the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := shortid.Generate()
		if err != nil {
			id = "-"
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("[%s] %s %s %v", id, r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": s.registry.Names(),
	})
}

// writeJSON serializes v; the encoder error only matters for the log
// since the status line is already gone.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("write response: %v", err)
	}
}

// writeError renders the error kind as a JSON body. Tile handlers use
// writeTileError instead to keep bodies empty.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= 500 {
		log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeTileError keeps the body empty so map clients treat the miss as
// a transparent tile.
func writeTileError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= 500 {
		log.Errorf("tile request failed: %v", err)
	}
	w.WriteHeader(status)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func parseTileCoords(r *http.Request) (uint8, uint32, uint32, bool) {
	z, err := strconv.ParseUint(chi.URLParam(r, "z"), 10, 8)
	if err != nil {
		return 0, 0, 0, false
	}
	x, err := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	y, err := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	if !geo.ValidTile(uint32(z), uint32(x), uint32(y)) {
		return 0, 0, 0, false
	}
	return uint8(z), uint32(x), uint32(y), true
}

func (s *server) handleTile(w http.ResponseWriter, r *http.Request) {
	src := s.registry.Source(chi.URLParam(r, "source"))
	if src == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	z, x, y, ok := parseTileCoords(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ext, err := src.Ext(r.Context())
	if err != nil {
		writeTileError(w, err)
		return
	}
	if ext != chi.URLParam(r, "ext") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	td, err := src.Tile(r.Context(), z, x, y)
	if err != nil {
		writeTileError(w, err)
		return
	}
	if td.MediaType != "" {
		w.Header().Set("Content-Type", td.MediaType)
	}
	if td.Encoding != "" {
		w.Header().Set("Content-Encoding", td.Encoding)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(td.Data)
}

func (s *server) handleTileJSON(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	src := s.registry.Source(name)
	if src == nil {
		writeError(w, errs.New(errs.NotFound, "no source %q", name))
		return
	}
	ext, err := src.Ext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	tileURL := baseURL(r) + "/" + name + "/{z}/{x}/{y}." + ext
	tj, err := src.TileJSON(r.Context(), tileURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tj)
}

func (s *server) handleCOGTile(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("url")
	if locator == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	z, x, y, ok := parseTileCoords(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, mediaType, err := s.compositor.Tile(r.Context(), locator, uint32(z), x, y, r.URL.Query().Get("format"))
	if err != nil {
		writeTileError(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

func (s *server) handleCOGInfo(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("url")
	if locator == "" {
		writeBadRequest(w, "missing url parameter")
		return
	}
	info, err := s.compositor.Info(r.Context(), locator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleStacRoot(w http.ResponseWriter, r *http.Request) {
	doc, err := s.catalog.RenderRoot(r.Context(), baseURL(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleStacCollections(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	doc, err := s.catalog.RenderCollections(r.Context(), baseURL(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleStacCollection(w http.ResponseWriter, r *http.Request) {
	doc, err := s.catalog.RenderCollection(r.Context(), baseURL(r), chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleStacItems(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	bbox, err := catalog.ParseBbox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	doc, err := s.catalog.RenderItems(r.Context(), baseURL(r), chi.URLParam(r, "collection"), limit, offset, bbox)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleStacItem(w http.ResponseWriter, r *http.Request) {
	doc, err := s.catalog.RenderItem(r.Context(), baseURL(r), chi.URLParam(r, "collection"), chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleStacSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bbox, err := catalog.ParseBbox(q.Get("bbox"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p := catalog.SearchParams{Bbox: bbox}
	if cs := q.Get("collections"); cs != "" {
		p.Collections = strings.Split(cs, ",")
	}
	if ls := q.Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 0 {
			writeBadRequest(w, "bad limit")
			return
		}
		p.Limit = n
	}
	s.renderSearch(w, r, p)
}

func (s *server) handleStacSearchPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Collections []string  `json:"collections"`
		Bbox        []float64 `json:"bbox"`
		Limit       int       `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "bad search body")
		return
	}
	p := catalog.SearchParams{Collections: body.Collections, Limit: body.Limit}
	if len(body.Bbox) == 4 {
		b := orb.Bound{
			Min: orb.Point{body.Bbox[0], body.Bbox[1]},
			Max: orb.Point{body.Bbox[2], body.Bbox[3]},
		}
		p.Bbox = &b
	} else if len(body.Bbox) != 0 {
		writeBadRequest(w, "bbox wants 4 numbers")
		return
	}
	s.renderSearch(w, r, p)
}

func (s *server) renderSearch(w http.ResponseWriter, r *http.Request, p catalog.SearchParams) {
	doc, err := s.catalog.RenderSearch(r.Context(), baseURL(r), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	if ls := q.Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 0 {
			writeBadRequest(w, "bad limit")
			return 0, 0, false
		}
		limit = n
	}
	if os := q.Get("offset"); os != "" {
		n, err := strconv.Atoi(os)
		if err != nil || n < 0 {
			writeBadRequest(w, "bad offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// baseURL reconstructs the externally visible prefix from the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	return scheme + "://" + r.Host
}
