package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/spf13/viper"

	"mapserve/internal/catalog"
	"mapserve/internal/fetch"
	"mapserve/internal/raster"
)

// flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	// then wrap the log output with it
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `mapserve version: mapserve/v0.1.0
Usage: mapserve [-h] [-c filename]
`)
	flag.PrintDefaults()
}

func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "MapServe")
	viper.SetDefault("app.attribution_suffix", "")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("routes.file", "routes.json")
	viper.SetDefault("catalog.file", "")
	viper.SetDefault("cog.allowed_prefixes", []string{})
	viper.SetDefault("cog.cache_size", raster.DefaultCacheSize)
	viper.SetDefault("mosaic.index_threshold", 30)
	viper.SetDefault("fetch.timeout", "30s")
	viper.SetDefault("log.level", "debug")

	if lv, err := log.ParseLevel(viper.GetString("log.level")); err == nil {
		log.SetLevel(lv)
	}
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}

	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)

	client := fetch.NewClient(viper.GetDuration("fetch.timeout"))

	reg, err := loadRegistry(client, viper.GetString("routes.file"), registryOptions{
		attributionSuffix: viper.GetString("app.attribution_suffix"),
		indexThreshold:    viper.GetInt("mosaic.index_threshold"),
	})
	if err != nil {
		log.Fatal(err)
	}

	policy := fetch.NewPolicy(viper.GetStringSlice("cog.allowed_prefixes"))
	comp := raster.New(client, policy, viper.GetInt("cog.cache_size"))

	var cat *catalog.Catalog
	if f := viper.GetString("catalog.file"); f != "" {
		cat = catalog.New(client, f)
	}

	srv := newServer(reg, comp, cat)
	addr := viper.GetString("server.addr")
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("%s listening on %s", viper.GetString("app.title"), addr)
	log.Fatal(hs.ListenAndServe())
}
