// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests       *prometheus.CounterVec
	tiles          *prometheus.CounterVec
	extractSeconds prometheus.Histogram
	cacheHits      *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoomify",
			Name:      "requests_total",
			Help:      "Zoomify requests by part and HTTP status.",
		}, []string{"part", "status"}),

		tiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoomify",
			Name:      "tiles_extracted_total",
			Help:      "Tiles extracted from pyramid TIFFs, by strategy.",
		}, []string{"strategy"}),

		extractSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zoomify",
			Name:      "extract_seconds",
			Help:      "Time for extracting a tile from a pyramid TIFF.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoomify",
			Name:      "cache_hits_total",
			Help:      "Cache hits, by cache.",
		}, []string{"cache"}),

		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zoomify",
			Name:      "requests_in_flight",
			Help:      "Zoomify requests currently being served.",
		}),
	}
}

func (m *metrics) countRequest(part string, status int) {
	m.requests.WithLabelValues(part, strconv.Itoa(status)).Inc()
}
