package freehp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the manager's Prometheus surface: one registry, one small set
// of counters/gauges/histograms per concern (scraping, validation,
// ranking, API), so a single /metrics endpoint describes the whole
// service's health.
type Metrics struct {
	registry *prometheus.Registry

	ScrapedTotal    *prometheus.CounterVec
	ValidationTotal *prometheus.CounterVec
	ValidationTime  prometheus.Histogram

	ActiveSize prometheus.Gauge
	BackupSize prometheus.Gauge
	SeenSize   prometheus.Gauge

	QueueDepth   *prometheus.GaugeVec
	QueueDropped *prometheus.CounterVec

	APIRequestsTotal  *prometheus.CounterVec
	APIRequestSeconds *prometheus.HistogramVec
}

// NewMetrics registers and returns a Metrics bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ScrapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freehp",
			Name:      "scraped_addresses_total",
			Help:      "Addresses extracted from source pages, by source name.",
		}, []string{"source"}),
		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freehp",
			Name:      "validations_total",
			Help:      "Proxy validation attempts, by outcome (ok, fail, cancelled).",
		}, []string{"outcome"}),
		ValidationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "freehp",
			Name:      "validation_duration_seconds",
			Help:      "Time spent checking a single proxy.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "freehp",
			Name:      "active_size",
			Help:      "Current number of proxies in the active tier.",
		}),
		BackupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "freehp",
			Name:      "backup_size",
			Help:      "Current number of proxies in the backup tier.",
		}),
		SeenSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "freehp",
			Name:      "seen_size",
			Help:      "Current number of proxies known to the manager.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "freehp",
			Name:      "queue_depth",
			Help:      "Current depth of an internal work queue.",
		}, []string{"queue"}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freehp",
			Name:      "queue_dropped_total",
			Help:      "Items dropped because a work queue was full.",
		}, []string{"queue"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freehp",
			Name:      "api_requests_total",
			Help:      "HTTP API requests, by path and status class.",
		}, []string{"path", "status"}),
		APIRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "freehp",
			Name:      "api_request_duration_seconds",
			Help:      "HTTP API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}

	reg.MustRegister(
		m.ScrapedTotal, m.ValidationTotal, m.ValidationTime,
		m.ActiveSize, m.BackupSize, m.SeenSize,
		m.QueueDepth, m.QueueDropped,
		m.APIRequestsTotal, m.APIRequestSeconds,
	)
	return m
}

// Registry exposes the underlying registry for wiring to promhttp.Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordValidation records the outcome and duration of one check.
func (m *Metrics) RecordValidation(outcome string, d time.Duration) {
	m.ValidationTotal.WithLabelValues(outcome).Inc()
	m.ValidationTime.Observe(d.Seconds())
}

// RecordQueueDrop records that an item was dropped from a full bounded queue.
func (m *Metrics) RecordQueueDrop(queue string) {
	m.QueueDropped.WithLabelValues(queue).Inc()
}

// RecordAPIRequest records one handled HTTP API request.
func (m *Metrics) RecordAPIRequest(path, statusClass string, d time.Duration) {
	m.APIRequestsTotal.WithLabelValues(path, statusClass).Inc()
	m.APIRequestSeconds.WithLabelValues(path).Observe(d.Seconds())
}
