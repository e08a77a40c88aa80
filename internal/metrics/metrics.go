package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edge"

// Registry holds the router's collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	redirects      prometheus.Counter
	activeConns    *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of routed requests",
		}, []string{"route", "target", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to the end of the response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "target"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Forwarded requests answered with 502",
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429",
		}, []string{"route"}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Plaintext requests redirected to https",
		}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client connections",
		}, []string{"listener"}),
	}
	r.reg.MustRegister(
		r.requests,
		r.latency,
		r.upstreamErrors,
		r.rateLimited,
		r.redirects,
		r.activeConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(route, target, method, status string) {
	r.requests.WithLabelValues(route, target, method, status).Inc()
}

func (r *Registry) ObserveLatency(route, target string, d time.Duration) {
	r.latency.WithLabelValues(route, target).Observe(d.Seconds())
}

func (r *Registry) IncUpstreamError(route string) {
	r.upstreamErrors.WithLabelValues(route).Inc()
}

func (r *Registry) IncRateLimited(route string) {
	r.rateLimited.WithLabelValues(route).Inc()
}

func (r *Registry) IncRedirect() {
	r.redirects.Inc()
}

func (r *Registry) IncActiveConns(listener string) {
	r.activeConns.WithLabelValues(listener).Inc()
}

func (r *Registry) DecActiveConns(listener string) {
	r.activeConns.WithLabelValues(listener).Dec()
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
