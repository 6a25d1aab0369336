// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/brawer/zoomify/internal/pyramid"
)

type Webserver struct {
	sources []Source
	images  *imageCache
	parts   *lru.Cache[string, []byte]
	pool    *semaphore.Weighted
	quality int
	maxAge  time.Duration
	metrics *metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewWebserver(cfg *Config, reg prometheus.Registerer, logger *log.Logger) (*Webserver, error) {
	images, err := newImageCache(cfg.ImageCacheSize, pyramid.Open)
	if err != nil {
		return nil, err
	}

	parts, err := lru.New[string, []byte](cfg.PartCacheSize)
	if err != nil {
		return nil, err
	}

	return &Webserver{
		images:  images,
		parts:   parts,
		pool:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		quality: cfg.Quality,
		maxAge:  cfg.MaxAgeDuration(),
		metrics: newMetrics(reg),
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (ws *Webserver) AddSource(s Source) {
	ws.sources = append(ws.sources, s)
}

func (ws *Webserver) Close() {
	ws.images.Close()
}

func (ws *Webserver) HandleMain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "%s",
		`<html>
<head>
<style>
* {
  font-family: sans-serif;
}
h1 {
  color: #0066ff;
  margin-left: 1em;
  margin-top: 1em;
}
p {
  margin-left: 5em;
}
</style>
</head>
<body><h1>Zoomify</h1>

<p>This server delivers tiles of large images in the
<a href="https://en.wikipedia.org/wiki/Zoomify">Zoomify</a> format, so they
can be shown in zoomable viewers such as
<a href="https://openseadragon.github.io/">OpenSeadragon</a>. Images are
stored as pyramid TIFF files or as Zoomify file bundles.</p>

<p>Point your viewer at <code>/zoomify/&lt;image&gt;/ImageProperties.xml</code>;
tiles live at <code>/zoomify/&lt;image&gt;/TileGroup&lt;N&gt;/&lt;level&gt;-&lt;x&gt;-&lt;y&gt;.jpg</code>.
Responses can be cached for a day; use
<a href="https://developer.mozilla.org/en-US/docs/Web/HTTP/Conditional_requests"
>conditional requests</a> to check for updates.</p>

</body></html>`)
}

// HandleZoomify serves ImageProperties.xml and tiles of the images
// in our sources.
func (ws *Webserver) HandleZoomify(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, "/zoomify/") {
		http.NotFound(w, req)
		return
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	id := uuid.NewString()
	ctx := req.Context()

	ws.metrics.inFlight.Inc()
	defer ws.metrics.inFlight.Dec()

	// Limit the number of requests being worked on, like a thread pool.
	if err := ws.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer ws.pool.Release(1)

	zp, err := ws.resolve(strings.TrimPrefix(req.URL.Path, "/zoomify"))
	if err != nil {
		ws.fail(w, id, "unknown", err)
		return
	}

	h := w.Header()
	if req.Method == http.MethodOptions {
		h.Set("Allow", "GET, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "ETag, If-Match, If-None-Match, If-Modified-Since, If-Range, Range")
		h.Set("Access-Control-Expose-Headers", "ETag")
		h.Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// As per https://tools.ietf.org/html/rfc7232, ETag must have quotes.
	h.Set("ETag", zp.ETag())
	h.Set("Content-Type", zp.ContentType())
	h.Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ws.maxAge.Seconds())))
	h.Set("Expires", ws.now().Add(ws.maxAge).UTC().Format(http.TimeFormat))
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "ETag")

	if notModified(req, zp.ETag(), zp.ModTime) {
		h.Set("Last-Modified", zp.ModTime.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusNotModified)
		ws.metrics.countRequest(zp.Part.String(), http.StatusNotModified)
		ws.logger.Printf("[%s] Not modified: %s -> %s", id, zp.File, zp.PartName)
		return
	}

	key := zp.CacheKey()
	kind := "cached"
	data, found := ws.parts.Get(key)
	if found {
		ws.metrics.cacheHits.WithLabelValues("part").Inc()
	} else {
		data, err = ws.load(ctx, zp)
		if err != nil {
			ws.fail(w, id, zp.Part.String(), err)
			return
		}
		ws.parts.Add(key, data)
		kind = zp.Kind.String()
	}

	http.ServeContent(w, req, "", zp.ModTime, bytes.NewReader(data))
	ws.metrics.countRequest(zp.Part.String(), http.StatusOK)
	ws.logger.Printf("[%s] Returning %s data: %s -> %s in %d ms",
		id, kind, zp.File, zp.PartName, time.Since(start).Milliseconds())
}

// HandleRobotsTxt sends a constant robots.txt file back to the
// client, allowing web crawlers to access our entire site.
func (ws *Webserver) HandleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s", "User-Agent: *\nAllow: /\n")
}

func (ws *Webserver) fail(w http.ResponseWriter, id string, part string, err error) {
	ws.logger.Printf("[%s] %v", id, err)
	ws.metrics.countRequest(part, http.StatusNotFound)
	http.Error(w, err.Error(), http.StatusNotFound)
}

// Resolve asks our sources in turn. A source that does not know the
// image lets the next one try; any other failure is final.
func (ws *Webserver) resolve(urlPath string) (*ZoomifyPath, error) {
	err := fmt.Errorf("%w: %s", errImageNotFound, urlPath)
	for _, s := range ws.sources {
		zp, e := s.Resolve(urlPath)
		if e == nil {
			return zp, nil
		}
		err = e
		if !errors.Is(e, errImageNotFound) {
			break
		}
	}
	return nil, err
}

// Load produces the content of a Zoomify part.
func (ws *Webserver) load(ctx context.Context, zp *ZoomifyPath) ([]byte, error) {
	if zp.Kind == FileBundle {
		return os.ReadFile(zp.File)
	}

	e, hit, err := ws.images.Acquire(zp.File, zp.ModTime, zp.Size)
	if err != nil {
		return nil, err
	}
	defer ws.images.Release(e)
	if hit {
		ws.metrics.cacheHits.WithLabelValues("image").Inc()
	}

	if zp.Part == PartProperties {
		return []byte(e.img.Properties()), nil
	}

	a, err := pyramid.ParseAddress(zp.PartName)
	if err != nil {
		return nil, err
	}

	g, err := e.img.Locate(a.Level, a.X, a.Y)
	if err != nil {
		return nil, err
	}

	strategy := e.img.Strategy(g)
	start := time.Now()
	data, err := e.img.Extract(ctx, g, ws.quality)
	if err != nil {
		return nil, err
	}
	ws.metrics.extractSeconds.Observe(time.Since(start).Seconds())
	ws.metrics.tiles.WithLabelValues(strategy.String()).Inc()
	return data, nil
}

// NotModified tells whether the client already has the current
// version of a part. If-None-Match takes precedence over
// If-Modified-Since, as per RFC 7232 section 6.
func notModified(req *http.Request, etag string, modTime time.Time) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		want := strings.TrimPrefix(etag, "W/")
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || strings.TrimPrefix(tag, "W/") == want {
				return true
			}
		}
		return false
	}

	if ims := req.Header.Get("If-Modified-Since"); ims != "" && !modTime.IsZero() {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !modTime.Truncate(time.Second).After(t)
	}

	return false
}
