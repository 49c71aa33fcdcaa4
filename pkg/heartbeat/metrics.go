package heartbeat

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectorMetrics instruments one connector process for Prometheus and
// keeps the cumulative counters that heartbeat ticks snapshot. All methods
// are safe on a nil receiver so connectors can run unmetered.
type ConnectorMetrics struct {
	ingestSubmissions *prometheus.CounterVec
	ingestLatency     prometheus.Histogram
	sourceAPICalls    *prometheus.CounterVec
	checkpointSaves   *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec

	messagesIngested atomic.Int64
	messagesFailed   atomic.Int64
	sourceCalls      atomic.Int64
	checkpoints      atomic.Int64
	dedupeAccepted   atomic.Int64
}

// NewConnectorMetrics registers connector metrics on reg.
func NewConnectorMetrics(reg prometheus.Registerer) *ConnectorMetrics {
	factory := promauto.With(reg)
	return &ConnectorMetrics{
		ingestSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_submissions_total",
			Help: "Ingest envelope submissions by outcome.",
		}, []string{"status"}),
		ingestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_latency_seconds",
			Help:    "Latency of ingest submissions, success or not.",
			Buckets: prometheus.DefBuckets,
		}),
		sourceAPICalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "source_api_calls_total",
			Help: "Upstream source API calls by method and outcome.",
		}, []string{"api_method", "status"}),
		checkpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_saves_total",
			Help: "Checkpoint persistence attempts by outcome.",
		}, []string{"status"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Connector errors by type and operation.",
		}, []string{"error_type", "operation"}),
	}
}

// TrackIngestSubmission records one submission outcome. Latency is
// recorded for every submission, failed ones included, so the histogram
// reflects what the switchboard actually cost us.
func (m *ConnectorMetrics) TrackIngestSubmission(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ingestSubmissions.WithLabelValues(status).Inc()
	m.ingestLatency.Observe(latency.Seconds())
	if status == "success" {
		m.messagesIngested.Add(1)
	} else {
		m.messagesFailed.Add(1)
	}
}

// TrackDedupeAccepted counts a message accepted by upstream dedupe.
func (m *ConnectorMetrics) TrackDedupeAccepted() {
	if m == nil {
		return
	}
	m.dedupeAccepted.Add(1)
}

// TrackSourceAPICall records one upstream API call.
func (m *ConnectorMetrics) TrackSourceAPICall(apiMethod, status string) {
	if m == nil {
		return
	}
	m.sourceAPICalls.WithLabelValues(apiMethod, status).Inc()
	m.sourceCalls.Add(1)
}

// TrackCheckpointSave records one checkpoint persistence attempt.
func (m *ConnectorMetrics) TrackCheckpointSave(status string) {
	if m == nil {
		return
	}
	m.checkpointSaves.WithLabelValues(status).Inc()
	if status == "success" {
		m.checkpoints.Add(1)
	}
}

// TrackError records one classified error.
func (m *ConnectorMetrics) TrackError(errorType, operation string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType, operation).Inc()
}

// CounterSnapshot is the cumulative counter set reported in heartbeats.
type CounterSnapshot struct {
	MessagesIngested int64
	MessagesFailed   int64
	SourceAPICalls   int64
	CheckpointSaves  int64
	DedupeAccepted   int64
}

// Snapshot reads the cumulative counters. Counters never reset within a
// process lifetime; receivers diff consecutive snapshots.
func (m *ConnectorMetrics) Snapshot() CounterSnapshot {
	if m == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		MessagesIngested: m.messagesIngested.Load(),
		MessagesFailed:   m.messagesFailed.Load(),
		SourceAPICalls:   m.sourceCalls.Load(),
		CheckpointSaves:  m.checkpoints.Load(),
		DedupeAccepted:   m.dedupeAccepted.Load(),
	}
}
