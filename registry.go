package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"

	"mapserve/internal/archive"
	"mapserve/internal/fetch"
	"mapserve/internal/mosaic"
)

// routeEntry is one source in the routes file. Type carries the payload
// hint ("vector", "raster") and is informational only.
type routeEntry struct {
	URL         string `json:"url"`
	HandlerType string `json:"handlertype"`
	Type        string `json:"type"`
}

// Registry maps source names to tile archives. The set is fixed at
// startup; the archives behind it initialize lazily.
type Registry struct {
	sources map[string]archive.Source
	names   []string
}

func loadRegistry(client *fetch.Client, path string, opts registryOptions) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routes file %s: %w", path, err)
	}
	var entries map[string]routeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("routes file %s: %w", path, err)
	}

	reg := &Registry{sources: map[string]archive.Source{}}
	for name, e := range entries {
		if e.URL == "" {
			return nil, fmt.Errorf("route %q: missing url", name)
		}
		switch e.HandlerType {
		case "pmtiles":
			reg.sources[name] = archive.NewPMTiles(client, e.URL, opts.attributionSuffix)
		case "mosaic":
			reg.sources[name] = mosaic.New(client, e.URL,
				mosaic.WithAttributionSuffix(opts.attributionSuffix),
				mosaic.WithIndexThreshold(opts.indexThreshold))
		case "mbtiles":
			reg.sources[name] = archive.NewMBTiles(e.URL, opts.attributionSuffix)
		default:
			return nil, fmt.Errorf("route %q: unknown handlertype %q", name, e.HandlerType)
		}
		reg.names = append(reg.names, name)
		log.Debugf("route %s -> %s (%s)", name, e.URL, e.HandlerType)
	}
	sort.Strings(reg.names)
	log.Infof("loaded %d routes from %s", len(reg.names), path)
	return reg, nil
}

type registryOptions struct {
	attributionSuffix string
	indexThreshold    int
}

// Source returns the archive behind a name, or nil.
func (r *Registry) Source(name string) archive.Source {
	return r.sources[name]
}

// Names lists the registered sources in sorted order.
func (r *Registry) Names() []string {
	return r.names
}
