package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instrumentation for aggregation, upstream calls and the
// HTTP server. Each Collector has its own registry.
type Collector struct {
	reg *prometheus.Registry

	Aggregates        *prometheus.CounterVec // outcome label: hit|miss|error
	AggregateDuration prometheus.Histogram

	UpstreamCalls    *prometheus.CounterVec // endpoint, outcome labels
	UpstreamDuration *prometheus.HistogramVec

	ArrivalFetchFailures prometheus.Counter

	Requests *prometheus.CounterVec // route, code labels
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Aggregates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustime_aggregates_total",
			Help: "Aggregations by cache outcome.",
		}, []string{"outcome"}),
		AggregateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustime_aggregate_duration_seconds",
			Help:    "Time to serve an aggregation, cached or not.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustime_upstream_calls_total",
			Help: "Calls to the upstream bus feed.",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustime_upstream_duration_seconds",
			Help:    "Duration of upstream bus feed calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint"}),
		ArrivalFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustime_arrival_fetch_failures_total",
			Help: "Stops left without arrivals because their fetch failed.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustime_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		c.Aggregates, c.AggregateDuration,
		c.UpstreamCalls, c.UpstreamDuration,
		c.ArrivalFetchFailures,
		c.Requests,
	)

	return c
}

func (c *Collector) ObserveAggregate(outcome string, duration time.Duration) {
	c.Aggregates.WithLabelValues(outcome).Inc()
	c.AggregateDuration.Observe(duration.Seconds())
}

func (c *Collector) ArrivalFetchFailed() {
	c.ArrivalFetchFailures.Inc()
}

func (c *Collector) ObserveUpstream(endpoint string, outcome string, duration time.Duration) {
	c.UpstreamCalls.WithLabelValues(endpoint, outcome).Inc()
	c.UpstreamDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (c *Collector) ObserveRequest(route string, code string) {
	c.Requests.WithLabelValues(route, code).Inc()
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }
