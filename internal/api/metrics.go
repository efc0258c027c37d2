// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file wires tsqueryd's own self-observability: query latency, plan
// segment counts, and the iterator-stuck counter from the error taxonomy
// (spec.md §7), exported for Prometheus scraping.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tsqueryd",
		Name:      "query_duration_seconds",
		Help:      "Wall-clock time to serve a data query, by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	queryDimensions = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tsqueryd",
		Name:      "query_dimensions",
		Help:      "Number of dimensions queried per request.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	}, []string{"endpoint"})

	planSegments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tsqueryd",
		Name:      "plan_segments_total",
		Help:      "Total tier-plan segments built across all dimension queries.",
	})

	iteratorStuckTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tsqueryd",
		Name:      "iterator_stuck_total",
		Help:      "Storage iterators discarded after exceeding the non-advancing retry threshold.",
	})

	queryCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsqueryd",
		Name:      "query_cancelled_total",
		Help:      "Queries that finished with FLAG_CANCEL, by endpoint.",
	}, []string{"endpoint"})
)

// MetricsHandler exposes the registered collectors for Prometheus to scrape.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
