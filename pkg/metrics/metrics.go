// Package metrics exposes Prometheus counters for the document engine on a
// private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config names the metric namespace.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "docwizard"}
}

// Collector owns the engine's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	CacheLookups    *prometheus.CounterVec
	ServiceCalls    *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
}

// New creates a Collector with its own registry.
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		registry: reg,
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_lookups_total",
			Help:      "Generation cache lookups by template and result",
		}, []string{"template", "result"}),
		ServiceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "service_calls_total",
			Help:      "Calls to remote collaborators by service, template and status",
		}, []string{"service", "template", "status"}),
		ServiceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "service_call_duration_seconds",
			Help:      "Duration of calls to remote collaborators in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_sessions",
			Help:      "Number of open wizard sessions",
		}),
	}

	reg.MustRegister(c.CacheLookups, c.ServiceCalls, c.ServiceDuration, c.ActiveSessions)
	return c
}

// CacheLookup records a hit or a miss.
func (c *Collector) CacheLookup(template string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(template, result).Inc()
}

// ServiceCall records the outcome and latency of a remote call.
func (c *Collector) ServiceCall(service, template string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ServiceCalls.WithLabelValues(service, template, status).Inc()
	c.ServiceDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() { c.ActiveSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() { c.ActiveSessions.Dec() }

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
