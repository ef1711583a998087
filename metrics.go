package crawler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the fetch and parse pipeline. Registered once at
// package init; pods distinguish themselves with the pod label.
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetches_total",
		Help: "HTTP fetches attempted, by pod and status class.",
	}, []string{"pod", "status"})

	fetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetch_bytes_total",
		Help: "Response body bytes fetched, by pod.",
	}, []string{"pod"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawler_fetch_duration_seconds",
		Help:    "Wall time of HTTP fetches including redirects.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"pod"})

	politenessRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_politeness_rejects_total",
		Help: "URLs rejected before fetch, by pod and reason.",
	}, []string{"pod", "reason"})

	pagesStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_pages_stored_total",
		Help: "Pages whose extracted text reached the content store, by pod.",
	}, []string{"pod"})

	linksDiscoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_links_discovered_total",
		Help: "Outbound links discovered during parsing, by pod and outcome.",
	}, []string{"pod", "outcome"})

	parseQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawler_parse_queue_depth",
		Help: "Fetched pages waiting for a parser, by pod.",
	}, []string{"pod"})

	frontierSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawler_frontier_urls",
		Help: "Estimated unread frontier URLs, by pod.",
	}, []string{"pod"})
)

// statusClass buckets an HTTP status for the fetches metric. Zero means the
// fetch never produced a response.
func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// ServeMetrics starts the prometheus scrape endpoint on the configured port.
// It returns immediately; the listener runs until process exit.
func ServeMetrics() {
	if !Config.Metrics.EnablePrometheus {
		return
	}
	addr := fmt.Sprintf(":%d", Config.Metrics.PrometheusPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log := ComponentLog("metrics")
		log.Info().Str("addr", addr).Msg("serving prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
