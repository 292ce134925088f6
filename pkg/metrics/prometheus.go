// Package metrics exposes request and lifecycle metrics through Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config defines how the collectors are named and registered.
type Config struct {
	Namespace   string               // Namespace for metrics
	Subsystem   string               // Subsystem for metrics
	Buckets     []float64            // Latency histogram buckets; prometheus.DefBuckets when empty
	ConstLabels prometheus.Labels    // Labels added to every metric
	Registry    *prometheus.Registry // Registry to use; a fresh one when nil
}

// Collector holds the dispatcher's Prometheus collectors.
type Collector struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inflight  prometheus.Gauge
	lifecycle *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them.
func NewCollector(cfg Config) (*Collector, error) {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests by method, route and status.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request latency in seconds by method and route.",
			Buckets:     buckets,
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "inflight_requests",
			Help:        "Number of requests currently being processed.",
			ConstLabels: cfg.ConstLabels,
		}),
		lifecycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "lifecycle_state",
			Help:        "Current lifecycle state (1 for the active state).",
			ConstLabels: cfg.ConstLabels,
		}, []string{"state"}),
	}

	for _, collector := range []prometheus.Collector{c.requests, c.duration, c.inflight, c.lifecycle} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.duration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetInFlight records the current in-flight request count.
func (c *Collector) SetInFlight(n int64) {
	c.inflight.Set(float64(n))
}

// SetLifecycleState marks to as the active lifecycle state.
func (c *Collector) SetLifecycleState(from, to string) {
	if from != "" {
		c.lifecycle.WithLabelValues(from).Set(0)
	}
	c.lifecycle.WithLabelValues(to).Set(1)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
