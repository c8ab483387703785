// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cache outcomes
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeShared = "shared"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	tileCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile cache lookups by outcome (hit, miss, shared).",
		},
		[]string{"outcome"},
	)

	tileCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tile_cache_entries",
			Help: "Number of tile results currently held in the cache.",
		},
	)

	tileComputeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_compute_duration_seconds",
			Help:    "Time to filter and encode one tile on a cache miss.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"result"},
	)

	tileFeatures = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tile_features",
			Help:    "Number of features in computed tiles.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	datasetLoadSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dataset_load_duration_seconds",
			Help:    "Duration of full dataset loads.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	datasetLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataset_load_errors_total",
			Help: "Failed dataset loads.",
		},
	)

	datasetFeatures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataset_features",
			Help: "Features held by the loaded dataset.",
		},
	)

	tileEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_events_dropped_total",
			Help: "Tile hit events dropped because the publish queue was full.",
		},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func IncTileCache(outcome string) {
	tileCacheResults.WithLabelValues(outcome).Inc()
}

func SetTileCacheEntries(n int) {
	tileCacheEntries.Set(float64(n))
}

// ObserveTileCompute records one miss computation. features < 0 marks a failure.
func ObserveTileCompute(features int, durationSeconds float64) {
	result := "ok"
	switch {
	case features < 0:
		result = "error"
	case features == 0:
		result = "empty"
	default:
		tileFeatures.Observe(float64(features))
	}
	tileComputeSeconds.WithLabelValues(result).Observe(durationSeconds)
}

func ObserveDatasetLoad(features int, err error, durationSeconds float64) {
	datasetLoadSeconds.Observe(durationSeconds)
	if err != nil {
		datasetLoadErrors.Inc()
		return
	}
	datasetFeatures.Set(float64(features))
}

func IncTileEventsDropped() {
	tileEventsDropped.Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
