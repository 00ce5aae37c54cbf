// Package metrics exposes context buffer and API activity as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TalG1018/PsyCounselor/pkg/window"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "counsel"

// Collector records buffer and HTTP metrics on its own registry.
// It implements session.Recorder.
type Collector struct {
	registry *prometheus.Registry

	turnsAdded     prometheus.Counter
	turnsEvicted   prometheus.Counter
	compactions    prometheus.Counter
	turnsFolded    prometheus.Counter
	activeSessions prometheus.Gauge
	utilization    prometheus.Histogram
	overBudget     prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector. An empty namespace uses
// DefaultNamespace. Go runtime and process collectors are registered
// alongside.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		turnsAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_added_total",
			Help:      "Total number of dialogue turns added",
		}),
		turnsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_evicted_total",
			Help:      "Total number of turns removed by importance eviction",
		}),
		compactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total number of history compactions",
		}),
		turnsFolded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_folded_total",
			Help:      "Total number of turns folded into summaries",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held in memory",
		}),
		utilization: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_utilization_ratio",
			Help:      "Budget utilization after each added turn (0-1)",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 1},
		}),
		overBudget: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "over_budget_turns_total",
			Help:      "Turns after which the buffer was still over budget",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// TurnAdded records one added turn and the resulting utilization.
func (c *Collector) TurnAdded(stats window.Stats) {
	c.turnsAdded.Inc()
	c.utilization.Observe(stats.UtilizationRate / 100)
	if stats.OverBudget {
		c.overBudget.Inc()
	}
}

// TurnsEvicted records turns removed by eviction.
func (c *Collector) TurnsEvicted(n int) {
	if n > 0 {
		c.turnsEvicted.Add(float64(n))
	}
}

// Compacted records one compaction folding n turns.
func (c *Collector) Compacted(n int) {
	c.compactions.Inc()
	if n > 0 {
		c.turnsFolded.Add(float64(n))
	}
}

// ActiveSessions sets the resident session gauge.
func (c *Collector) ActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
