package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

// sanitizeLabel keeps label values Prometheus-safe: no spaces, bounded
// length, never empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics carries the process's Prometheus instruments.
type Metrics struct {
	collectionsTotal   *prometheus.CounterVec
	collectionDuration *prometheus.HistogramVec
	collectionItems    *prometheus.CounterVec
	activeIPs          *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
	feedPulls          prometheus.Counter
	queueDepth         prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		collectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "blacklist",
				Subsystem: "collection",
				Name:      "runs_total",
				Help:      "Collection runs by source and result",
			},
			[]string{"source", "result"},
		),
		collectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "blacklist",
				Subsystem: "collection",
				Name:      "duration_seconds",
				Help:      "End-to-end collection run duration",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"source"},
		),
		collectionItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "blacklist",
				Subsystem: "collection",
				Name:      "items_total",
				Help:      "Processed records by source and outcome kind",
			},
			[]string{"source", "kind"},
		),
		activeIPs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "blacklist",
				Name:      "active_ips",
				Help:      "Active blacklist entries per source",
			},
			[]string{"source"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "blacklist",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		feedPulls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "blacklist",
				Name:      "feed_pulls_total",
				Help:      "Firewall feed downloads",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "blacklist",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Jobs waiting in the collection queue",
			},
		),
	}

	reg.MustRegister(
		m.collectionsTotal,
		m.collectionDuration,
		m.collectionItems,
		m.activeIPs,
		m.httpRequests,
		m.feedPulls,
		m.queueDepth,
	)
	return m
}

// RecordCollection records a finished run.
func (m *Metrics) RecordCollection(source, result string, duration time.Duration) {
	m.collectionsTotal.WithLabelValues(sanitizeLabel(source), sanitizeLabel(result)).Inc()
	m.collectionDuration.WithLabelValues(sanitizeLabel(source)).Observe(duration.Seconds())
}

// RecordItems records per-run record outcomes (inserted, updated,
// failed, rejected).
func (m *Metrics) RecordItems(source, kind string, n int) {
	if n <= 0 {
		return
	}
	m.collectionItems.WithLabelValues(sanitizeLabel(source), sanitizeLabel(kind)).Add(float64(n))
}

// SetActiveIPs publishes the per-source active corpus size.
func (m *Metrics) SetActiveIPs(source string, n int) {
	m.activeIPs.WithLabelValues(sanitizeLabel(source)).Set(float64(n))
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	m.httpRequests.WithLabelValues(method, sanitizeLabel(route), strconv.Itoa(status)).Inc()
}

// RecordFeedPull counts one firewall feed download.
func (m *Metrics) RecordFeedPull() {
	m.feedPulls.Inc()
}

// SetQueueDepth publishes the scheduler backlog size.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
