// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brawer/zoomify/internal/logging"
)

func main() {
	port := flag.Int("port", 0, "port for serving HTTP requests")
	repo := flag.String("repo", "", "path to local directory with pyramid TIFFs and Zoomify file bundles")
	storagekey := flag.String("storage-key", "", "path to key with storage access credentials, empty for not mirroring storage")
	workdir := flag.String("workdir", "webserver-workdir", "path to working directory on local disk")
	configPath := flag.String("config", "zoomify.toml", "path to configuration file")
	quality := flag.Int("quality", 0, "JPEG quality for re-compressed tiles, 0 for the configured value")
	flag.Parse()

	if *port == 0 {
		*port, _ = strconv.Atoi(os.Getenv("PORT"))
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *quality != 0 {
		cfg.Quality = *quality
		if err := cfg.validate(); err != nil {
			log.Fatal(err)
		}
	}

	logger := logging.NewLogger("zoomify-webserver.log", logging.Options{Dir: cfg.LogDir})
	server, err := NewWebserver(cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *repo != "" {
		r, err := NewRepository(*repo)
		if err != nil {
			log.Fatal(err)
		}
		watcher, err := newRepoWatcher(r.Root(), server.images.Forget, logger)
		if err != nil {
			log.Fatal(err)
		}
		go watcher.Run(ctx)
		server.AddSource(r)
	}

	if *storagekey != "" {
		storage, err := NewStorage(*storagekey, cfg.Bucket, *workdir, logger)
		if err != nil {
			log.Fatal(err)
		}
		storage.onRemove = server.images.Forget
		if err := storage.Reload(ctx); err != nil {
			log.Fatal(err)
		}
		go storage.Watch(ctx, cfg.ReloadDuration())
		server.AddSource(storage)
	}

	if len(server.sources) == 0 {
		log.Fatal("no images to serve, use -repo or -storage-key")
	}

	http.HandleFunc("/", server.HandleMain)
	http.HandleFunc("/robots.txt", server.HandleRobotsTxt)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/zoomify/", server.HandleZoomify)
	log.Printf("Listening for HTTP requests on port %d", *port)
	logger.Printf("Listening for HTTP requests on port %d", *port)
	if err := http.ListenAndServe(":"+strconv.Itoa(*port), nil); err != nil {
		log.Println(err)
	}
}
