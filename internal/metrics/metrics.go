// Package metrics exposes the platform's Prometheus counters and
// histograms: build outcomes, proxy request volume/latency, and watcher
// cycle counts. The HTTP exposition endpoint is served on its own loopback
// listener, separate from the management API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the control plane updates.
type Registry struct {
	registry *prometheus.Registry

	BuildsTotal    *prometheus.CounterVec
	BuildDuration  prometheus.Histogram
	DeploymentsUp  prometheus.Gauge

	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec

	WatcherCyclesTotal *prometheus.CounterVec
}

// New builds a Registry with every metric pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploybox",
			Name:      "builds_total",
			Help:      "Completed container builds by outcome.",
		}, []string{"result"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deploybox",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of a container build.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. 2048s (~34m)
		}),
		DeploymentsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploybox",
			Name:      "deployments_ready",
			Help:      "Number of deployments currently serving traffic.",
		}),
		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploybox",
			Name:      "proxy_requests_total",
			Help:      "HTTPS requests handled by the routing data plane.",
		}, []string{"status_class"}),
		ProxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deploybox",
			Name:      "proxy_request_duration_seconds",
			Help:      "Latency of proxied and locally-served requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_class"}),
		WatcherCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploybox",
			Name:      "watcher_cycles_total",
			Help:      "Repository watcher poll cycles by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.BuildsTotal, r.BuildDuration, r.DeploymentsUp,
		r.ProxyRequestsTotal, r.ProxyRequestDuration, r.WatcherCyclesTotal,
	)
	return r
}

// Handler returns the HTTP handler that exposes the registry in the
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code into Prometheus's conventional
// "2xx"/"4xx"/etc label.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
