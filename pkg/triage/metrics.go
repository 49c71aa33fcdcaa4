package triage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records triage outcomes as low-cardinality counters.
type Metrics struct {
	affinityHits   *prometheus.CounterVec
	affinityMisses *prometheus.CounterVec
	decisions      *prometheus.CounterVec
}

// NewMetrics registers the triage counters on the given registerer.
// A nil registerer yields nil metrics; all record methods are nil-safe.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		affinityHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_thread_affinity_hits_total",
			Help: "Thread affinity lookups that resolved a target butler.",
		}, []string{"butler"}),
		affinityMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_thread_affinity_misses_total",
			Help: "Thread affinity lookups that did not resolve, by reason.",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_decisions_total",
			Help: "Triage pipeline decisions, by outcome.",
		}, []string{"decision"}),
	}
	reg.MustRegister(m.affinityHits, m.affinityMisses, m.decisions)
	return m
}

func (m *Metrics) recordAffinity(result AffinityResult) {
	if m == nil {
		return
	}
	switch result.Outcome {
	case AffinityHit, AffinityForceOverride:
		m.affinityHits.WithLabelValues(result.Target).Inc()
	default:
		m.affinityMisses.WithLabelValues(result.Outcome).Inc()
	}
}

func (m *Metrics) recordDecision(d *Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d.Decision).Inc()
}
