// Package telemetry holds the node's Prometheus collectors and the HTTP
// middleware that feeds them. Everything registers on Registry rather than
// the global default so tests can read values without cross-talk from
// other packages.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrkv"

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"op", "code"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests by route.",
			// 0.5ms .. ~2s
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "HTTP requests being served, by route.",
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Constant 1, labeled by version and git_sha.",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
)

func init() {
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
		ProbesTotal, SuspectsTotal, InvestigationsTotal, GossipExchangesTotal,
		Members, RouteTableRebuildsTotal, RouterRequestsTotal,
	)
}

// MetricsHandler serves Registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		Registry: Registry,
	}))
}

// SetBuildInfo is called once at startup with the ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// Instrument records in-flight, latency and status code metrics for next
// under the given op label:
//
//	r.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.InfoHandler)))
func Instrument(op string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"op": op}
	return promhttp.InstrumentHandlerInFlight(InFlight.With(labels),
		promhttp.InstrumentHandlerDuration(RequestDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(RequestsTotal.MustCurryWith(labels), next)))
}
