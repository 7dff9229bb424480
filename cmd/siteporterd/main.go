package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/lherron/siteporter/internal/config"
	"github.com/lherron/siteporter/internal/daemon"
	"github.com/lherron/siteporter/internal/paths"
)

func main() {
	addr := flag.String("addr", "", "Listen address (default 127.0.0.1:7373)")
	dbPath := flag.String("db", "", "Database path override (defaults to config)")
	siteRoot := flag.String("root", "", "Site root override (defaults to config)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *siteRoot != "" {
		cfg.SiteRoot = *siteRoot
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	excludes := paths.DefaultExcludes()
	excludes.PathPrefixes = append(excludes.PathPrefixes, cfg.ExcludePrefixes...)
	excludes.Extensions = append(excludes.Extensions, cfg.ExcludeExtensions...)
	excludes.Names = append(excludes.Names, cfg.ExcludeNames...)

	err = daemon.Serve(daemon.Options{
		Addr:           cfg.ListenAddr,
		DBPath:         cfg.DBPath,
		SiteRoot:       cfg.SiteRoot,
		BaseURL:        cfg.BaseURL,
		TablePrefix:    cfg.TablePrefix,
		Secret:         cfg.SharedSecret,
		ChunkBytes:     cfg.ChunkBytes,
		Excludes:       excludes,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        "0.1.0",
		Log:            log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
