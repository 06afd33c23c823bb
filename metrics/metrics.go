// Package metrics exposes the crawler's counters as prometheus collectors,
// served over an optional /metrics endpoint
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PagesFetched counts every successful HTTP GET, listings included
	PagesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mvn_crawler_pages_fetched_total", Help: "Successful HTTP fetches"})
	// AssetsFetched counts mirror-aware asset fetches
	AssetsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mvn_crawler_assets_fetched_total", Help: "Successful mirror-aware asset fetches"})
	// BytesTotal counts every response body byte, transient responses included
	BytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mvn_crawler_bytes_total", Help: "Total response bytes received"})
	// PagesQueued counts pages pushed onto the crawl queue over the run
	PagesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mvn_crawler_pages_queued_total", Help: "Pages pushed onto the crawl queue"})
	// QueueDepth tracks the current crawl queue length
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "mvn_crawler_queue_depth", Help: "Current crawl queue length"})
	// RunningWorkers tracks the current number of live workers
	RunningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "mvn_crawler_running_workers", Help: "Currently running workers"})
	// ThrottledWorkers tracks workers sleeping after an upstream 429
	ThrottledWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "mvn_crawler_throttled_workers", Help: "Workers backing off after a 429 response"})
)

func init() {
	prometheus.MustRegister(PagesFetched, AssetsFetched, BytesTotal,
		PagesQueued, QueueDepth, RunningWorkers, ThrottledWorkers)
}

// Serve blocks serving the prometheus registry on addr under /metrics
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
